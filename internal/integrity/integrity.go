// Package integrity detects tampering with installed plugin scripts using a
// merkle tree over the enabled set. The root is stored alongside the plugins;
// a mismatch pinpoints which plugin changed without rehashing anything else.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/cbergoon/merkletree"

	"github.com/tunelab/tunelab/internal/store"
	"github.com/tunelab/tunelab/internal/tlerr"
)

// PluginHash is the recorded hash of one enabled plugin.
type PluginHash struct {
	ID   string
	Name string
	Hash string
}

// Report is the computed integrity state of a plugin set.
type Report struct {
	Root    string
	Plugins []PluginHash
}

// pluginContent implements merkletree.Content for one plugin leaf.
type pluginContent struct {
	hash string
}

func (p pluginContent) CalculateHash() ([]byte, error) {
	h := sha256.Sum256([]byte(p.hash))
	return h[:], nil
}

func (p pluginContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(pluginContent)
	if !ok {
		return false, nil
	}
	return p.hash == o.hash, nil
}

// Compute builds the merkle root over enabled plugins. Leaves are ordered by
// plugin id so the root is independent of listing order.
func Compute(plugins []*store.Plugin) (*Report, error) {
	enabled := make([]*store.Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	report := &Report{}
	if len(enabled) == 0 {
		report.Root = hashString("empty_plugin_set")
		return report, nil
	}

	var contents []merkletree.Content
	for _, p := range enabled {
		leaf := hashString(fmt.Sprintf("plugin:%s|kind:%s|script:%s", p.ID, p.Kind, hashString(p.Script)))
		report.Plugins = append(report.Plugins, PluginHash{ID: p.ID, Name: p.Name, Hash: leaf})
		contents = append(contents, pluginContent{hash: leaf})
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrIntegrity, err, "failed to build merkle tree")
	}
	report.Root = hex.EncodeToString(tree.MerkleRoot())
	return report, nil
}

// Verify recomputes the root and compares it against a stored one. An empty
// stored root (nothing recorded yet) verifies trivially.
func Verify(plugins []*store.Plugin, storedRoot string) (*Report, error) {
	report, err := Compute(plugins)
	if err != nil {
		return nil, err
	}
	if storedRoot == "" || report.Root == storedRoot {
		return report, nil
	}
	return report, tlerr.New(tlerr.ErrIntegrity, "plugin scripts do not match the recorded integrity root").
		With("expected", storedRoot).
		With("actual", report.Root).
		WithHelp("re-run 'tlab plugins verify --update' if the change is intentional")
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
