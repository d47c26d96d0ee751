// Package config defines rootbox's immutable, defaulted configuration
// record and its TOML file format. Every other component is constructed
// from a Config and never mutates it.
package config

import (
	"errors"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/rootbox-run/rootbox/internal/rberrors"
)

var errNotATable = errors.New("bind_mounts entry is not a table")

// Config is the value record every component is built from. Defaults
// produce a usable sandbox out of the box.
type Config struct {
	Features   Features   `toml:"features"`
	Namespaces Namespaces `toml:"namespaces"`
	Mounts     Mounts     `toml:"mounts"`
	Security   Security   `toml:"security"`
	Pty        Pty        `toml:"pty"`
}

// Features toggles the nine feature switches spec.md §3 names. All default
// on except NetworkNamespace.
type Features struct {
	Overlayfs         bool `toml:"overlayfs"`
	UserNamespace     bool `toml:"user_namespace"`
	MountNamespace    bool `toml:"mount_namespace"`
	PidNamespace      bool `toml:"pid_namespace"`
	UtsNamespace      bool `toml:"uts_namespace"`
	NetworkNamespace  bool `toml:"network_namespace"`
	PtyEnabled        bool `toml:"pty_enabled"`
	ParentDeathSignal bool `toml:"parent_death_signal"`
	NoNewPrivs        bool `toml:"no_new_privs"`
}

// Namespaces holds the optional UTS identity to apply.
type Namespaces struct {
	Hostname   string `toml:"hostname"`
	Domainname string `toml:"domainname"`
}

// Mounts holds the basic-mount toggles plus the caller-requested bind mounts.
type Mounts struct {
	MountProc       bool        `toml:"mount_proc"`
	MountSys        bool        `toml:"mount_sys"`
	MountDev        bool        `toml:"mount_dev"`
	MountTmp        bool        `toml:"mount_tmp"`
	MakeRootPrivate bool        `toml:"make_root_private"`
	SysReadonly     bool        `toml:"sys_readonly"`
	BindMounts      []BindMount `toml:"bind_mounts"`
}

// BindMount describes one caller-requested bind mount. Destination is
// resolved relative to the new root after stripping a leading '/'.
type BindMount struct {
	Source      string `toml:"source"`
	Destination string `toml:"destination"`
	Readonly    bool   `toml:"readonly"`
	Recursive   bool   `toml:"recursive"`
}

// NewBindMount builds a BindMount with the documented defaults applied
// (readonly=false, recursive=true).
func NewBindMount(source, destination string) BindMount {
	return BindMount{Source: source, Destination: destination, Recursive: true}
}

// UnmarshalTOML implements toml.Unmarshaler so that a bind_mounts entry
// omitting "recursive" defaults to true, matching the Rust original's
// #[serde(default = "default_true")] on the same field — plain struct
// decoding would otherwise silently default it to false.
func (b *BindMount) UnmarshalTOML(data interface{}) error {
	m, ok := data.(map[string]interface{})
	if !ok {
		return rberrors.Config("decode bind_mounts entry", errNotATable)
	}
	if v, ok := m["source"].(string); ok {
		b.Source = v
	}
	if v, ok := m["destination"].(string); ok {
		b.Destination = v
	}
	if v, ok := m["readonly"].(bool); ok {
		b.Readonly = v
	}
	if v, ok := m["recursive"].(bool); ok {
		b.Recursive = v
	} else {
		b.Recursive = true
	}
	return nil
}

// Security fields are retained for configuration-file compatibility. They
// are parsed and round-tripped but not consulted by the core pipeline
// (spec.md §9, Open Question #1 — left as a configuration-only surface for
// an out-of-scope collaborator).
type Security struct {
	ApparmorEnabled  bool     `toml:"apparmor_enabled"`
	ApparmorProfile  string   `toml:"apparmor_profile"`
	DropCapabilities bool     `toml:"drop_capabilities"`
	KeepCapabilities []string `toml:"keep_capabilities"`
}

// Pty holds the fallback terminal size used when host stdin is not a TTY.
type Pty struct {
	DefaultRows uint16 `toml:"default_rows"`
	DefaultCols uint16 `toml:"default_cols"`
}

// Default returns the out-of-the-box configuration (spec.md §8 scenario 1).
func Default() Config {
	return Config{
		Features: Features{
			Overlayfs:         true,
			UserNamespace:     true,
			MountNamespace:    true,
			PidNamespace:      true,
			UtsNamespace:      true,
			NetworkNamespace:  false,
			PtyEnabled:        true,
			ParentDeathSignal: true,
			NoNewPrivs:        true,
		},
		Mounts: Mounts{
			MountProc:       true,
			MountSys:        true,
			MountDev:        true,
			MountTmp:        true,
			MakeRootPrivate: true,
			SysReadonly:     true,
		},
		Pty: Pty{
			DefaultRows: 24,
			DefaultCols: 80,
		},
	}
}

// Load reads and parses a TOML config file, defaulting any field the file
// omits by starting from Default() and decoding on top of it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, rberrors.Config("load "+path, err)
	}
	return cfg, nil
}

// LoadOrDefault returns Default() when path is empty, else Load(path).
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// WriteTo serializes cfg to path as pretty TOML with every scalar field
// present, so operators can see the defaults (spec.md §4.1). Nil lists
// (bind_mounts and keep_capabilities in Default()) are left out of the file.
func WriteTo(cfg Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return rberrors.Config("create "+path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	enc.Indent = "  "
	if err := enc.Encode(cfg); err != nil {
		return rberrors.Config("encode "+path, err)
	}
	return nil
}
