// Package config provides configuration loading, live reload and path management
// for the bridge.
//
// # Configuration Loading
//
// Load merges configuration from these sources in priority order:
//
//  1. Global config (~/.config/chatbridge/chatbridge.json[c])
//  2. Project config (<dir>/chatbridge.json[c], <dir>/.chatbridge/chatbridge.jsonc)
//  3. CHATBRIDGE_CONFIG file
//  4. CHATBRIDGE_CONFIG_CONTENT inline JSON
//  5. <dir>/.env (never overriding variables already set)
//  6. CHATBRIDGE_* environment variables
//
// Files are JSONC, stripped with tidwall/jsonc, and support {env:VAR} and
// {file:path} placeholders.
//
// # Live Reload
//
// Components that must observe edits mid-turn (verbosity, tool globs) read the
// configuration through a *Live and never cache it. A Watcher swaps the value
// whenever the watched file is rewritten:
//
//	live := config.NewLive(cfg)
//	w, err := config.NewWatcher(path, live, func() (*config.Config, error) {
//	    return config.Load(dir)
//	})
//	w.Start()
//	defer w.Stop()
package config
