// Package orchestrator is the top-level state machine that composes
// config, overlay, namespace, mount, and PTY setup in the order spec.md
// §4.6 demands, across the fork boundary. Grounded on
// original_source/rootbox-rs/src/main.rs's run_container and the
// re-exec-via-/proc/self/exe pattern shown by the shadmanZero/
// mini_container reference file — see SPEC_FULL.md §E for the full
// rationale.
package orchestrator

import (
	"github.com/rootbox-run/rootbox/internal/config"
)

// ChildSpec is the JSON-encoded payload handed to the re-executed child
// over a pipe (fd 3). It carries everything the child needs to finish
// setup and exec the target command — the parent computes all of it before
// cmd.Start() so a malformed request never gets as far as a namespace
// change.
type ChildSpec struct {
	FinalRoot string `json:"final_root"`

	UseOverlay     bool   `json:"use_overlay"`
	OverlayOptions string `json:"overlay_options,omitempty"`

	MountNamespace  bool          `json:"mount_namespace"`
	Mounts          config.Mounts `json:"mounts"`
	MakeRootPrivate bool          `json:"make_root_private"`

	Hostname   string `json:"hostname"`
	Domainname string `json:"domainname"`
	UtsEnabled bool   `json:"uts_enabled"`

	NetworkNamespace bool `json:"network_namespace"`
	NoNewPrivs       bool `json:"no_new_privs"`

	Command string   `json:"command"`
	Args    []string `json:"args"`
}
