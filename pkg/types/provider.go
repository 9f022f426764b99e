package types

// Provider is a model provider connected to the agent server.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Models map[string]Model `json:"models"`
}

// Model describes one model offered by a provider.
type Model struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Limit ModelLimit `json:"limit"`
}

// ModelLimit holds the token limits of a model.
type ModelLimit struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

// ProviderList is the agent server's provider listing.
// Default maps provider id to that provider's default model id.
type ProviderList struct {
	Providers []Provider        `json:"providers"`
	Default   map[string]string `json:"default"`
}

// Find returns the model for ref, if any provider offers it.
func (l *ProviderList) Find(ref ModelRef) (Model, bool) {
	for _, p := range l.Providers {
		if ref.ProviderID != "" && p.ID != ref.ProviderID {
			continue
		}
		if m, ok := p.Models[ref.ModelID]; ok {
			return m, true
		}
	}
	return Model{}, false
}

// FirstDefault returns the default model of the first listed provider.
func (l *ProviderList) FirstDefault() (ModelRef, bool) {
	for _, p := range l.Providers {
		if id, ok := l.Default[p.ID]; ok && id != "" {
			return ModelRef{ProviderID: p.ID, ModelID: id}, true
		}
	}
	return ModelRef{}, false
}

// Names lists every model as "provider/model".
func (l *ProviderList) Names() []string {
	var names []string
	for _, p := range l.Providers {
		for id := range p.Models {
			names = append(names, p.ID+"/"+id)
		}
	}
	return names
}
