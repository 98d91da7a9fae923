// Package patch implements the patch-set data model and matching rules
// (C3): deciding which CSS/JS entries in a skin's configuration apply to
// a given page title, URL, or <html> attribute string.
package patch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// LoopbackHost is excluded from remote-scoped matching regardless of any
// patch's regex, so the host bridge's own loopback page is never treated
// as a remote target (spec.md §4.3).
const LoopbackHost = "steamloopback.host"

// HostBridgeMarker is the substring of a document's <html> attribute
// string that signals the Millennium settings host bridge should be
// injected (spec.md §4.4, §6).
const HostBridgeMarker = "settings_SettingsModalRoot_"

// Context selects which of the three matching rules Match applies.
type Context int

const (
	// ContextTitle matches a patch's regex, in full, against a page title.
	ContextTitle Context = iota
	// ContextURL matches a patch's regex, in full, against a page URL.
	ContextURL
	// ContextAttrs matches a patch's raw regex source as a substring of a
	// document's <html> attribute string.
	ContextAttrs
)

// Patch is one (regex, css?, js?) entry from a skin's configuration
// (spec.md §3).
type Patch struct {
	// MatchSource is the regex exactly as written in the configuration
	// file; RemoteScoped and ContextAttrs matching both depend on the
	// literal source text, not just its compiled behavior.
	MatchSource string
	// Full matches MatchSource anchored at both ends, emulating
	// std::regex_match's full-string semantics regardless of whether the
	// author's pattern itself contains ^/$.
	Full *regexp.Regexp

	CSS string
	JS  string
	HasCSS bool
	HasJS  bool
}

// RemoteScoped reports whether this patch targets remote (URL-addressed)
// pages rather than local CEF pages. The discriminator is the literal
// substring "http" appearing in the regex source — preserved bit-for-bit
// so existing skin configurations keep working unchanged (spec.md §3).
func (p Patch) RemoteScoped() bool {
	return strings.Contains(p.MatchSource, "http")
}

// PatchSet is an ordered collection of patches plus the configuration's
// own validity flag (spec.md §3).
type PatchSet struct {
	Patches []Patch
	Valid   bool
}

type rawPatch struct {
	MatchRegexString string `json:"MatchRegexString"`
	TargetCss        string `json:"TargetCss"`
	TargetJs         string `json:"TargetJs"`
}

type rawDocument struct {
	Patches    []rawPatch `json:"Patches"`
	ConfigFail bool       `json:"config_fail"`
}

// Parse decodes a skin configuration document. Field names (Patches,
// MatchRegexString, TargetCss, TargetJs, config_fail) are preserved
// bit-for-bit per the existing configuration format (spec.md §6). A
// config_fail document decodes to an explicitly invalid, empty PatchSet
// rather than an error: the caller (Supervisor) still has a PatchSet to
// install, it is just one that matches nothing.
func Parse(data []byte) (*PatchSet, error) {
	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("patch: decode configuration: %w", err)
	}
	if doc.ConfigFail {
		return &PatchSet{Valid: false}, nil
	}

	patches := make([]Patch, 0, len(doc.Patches))
	for i, rp := range doc.Patches {
		if rp.TargetCss == "" && rp.TargetJs == "" {
			return nil, fmt.Errorf("patch: entry %d has neither TargetCss nor TargetJs", i)
		}
		full, err := regexp.Compile(`^(?:` + rp.MatchRegexString + `)$`)
		if err != nil {
			return nil, fmt.Errorf("patch: entry %d: invalid regex %q: %w", i, rp.MatchRegexString, err)
		}
		patches = append(patches, Patch{
			MatchSource: rp.MatchRegexString,
			Full:        full,
			CSS:         rp.TargetCss,
			JS:          rp.TargetJs,
			HasCSS:      rp.TargetCss != "",
			HasJS:       rp.TargetJs != "",
		})
	}
	return &PatchSet{Patches: patches, Valid: true}, nil
}

// Match returns every patch in ps that applies to key under ctx
// (spec.md §4.3). A nil or invalid PatchSet matches nothing.
func (ps *PatchSet) Match(ctx Context, key string) []Patch {
	if ps == nil || !ps.Valid {
		return nil
	}
	var out []Patch
	for _, p := range ps.Patches {
		switch ctx {
		case ContextTitle:
			if !p.RemoteScoped() && p.Full.MatchString(key) {
				out = append(out, p)
			}
		case ContextURL:
			if p.RemoteScoped() && !strings.Contains(key, LoopbackHost) && p.Full.MatchString(key) {
				out = append(out, p)
			}
		case ContextAttrs:
			if !p.RemoteScoped() && strings.Contains(key, p.MatchSource) {
				out = append(out, p)
			}
		}
	}
	return out
}

// HasHostBridgeMarker reports whether a document's <html> attribute
// string calls for the settings host bridge to be injected.
func HasHostBridgeMarker(attrs string) bool {
	return strings.Contains(attrs, HostBridgeMarker)
}
