// Package forwarder pushes newly processed series from the central API to
// configured downstream DICOM nodes, at most once per node and series.
package forwarder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Node is one downstream DICOM destination.
type Node struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	AETitle     string `json:"aet"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Address returns the node's host:port dial string.
func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// Settings are the forwarder's runtime knobs, stored alongside the nodes.
type Settings struct {
	PollingInterval    int  `json:"polling_interval"`
	MaxRetryAttempts   int  `json:"max_retry_attempts"`
	RetryDelay         int  `json:"retry_delay"`
	AutoForwardEnabled bool `json:"auto_forward_enabled"`
}

// nodesDocument is the on-disk node configuration.
type nodesDocument struct {
	Nodes    map[string]Node `json:"nodes"`
	Settings Settings        `json:"settings"`
}

func defaultNodesDocument() nodesDocument {
	return nodesDocument{
		Nodes: map[string]Node{
			"example_pacs": {
				Name:        "Example PACS",
				IP:          "192.168.1.10",
				Port:        104,
				AETitle:     "PACS",
				Enabled:     false,
				Description: "Example destination, disabled until edited",
			},
		},
		Settings: Settings{
			PollingInterval:    60,
			MaxRetryAttempts:   3,
			RetryDelay:         5,
			AutoForwardEnabled: false,
		},
	}
}

// loadNodes reads the node configuration, creating the file with disabled
// defaults when it does not exist yet.
func loadNodes(path string) (nodesDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := defaultNodesDocument()
		if err := saveNodes(path, doc); err != nil {
			return doc, err
		}
		return doc, nil
	}
	if err != nil {
		return nodesDocument{}, err
	}

	var doc nodesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nodesDocument{}, fmt.Errorf("malformed node configuration %s: %w", path, err)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]Node)
	}
	if doc.Settings.PollingInterval <= 0 {
		doc.Settings.PollingInterval = 60
	}
	return doc, nil
}

// saveNodes writes the configuration atomically.
func saveNodes(path string, doc nodesDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ledger records which series were already forwarded to which node.
type ledger map[string]map[string]time.Time

func loadLedger(path string) (ledger, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(ledger), nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed ledger %s: %w", path, err)
	}

	l := make(ledger, len(raw))
	for node, series := range raw {
		l[node] = make(map[string]time.Time, len(series))
		for uid, stamp := range series {
			t, err := time.Parse(time.RFC3339, stamp)
			if err != nil {
				continue
			}
			l[node][uid] = t
		}
	}
	return l, nil
}

func saveLedger(path string, l ledger) error {
	raw := make(map[string]map[string]string, len(l))
	for node, series := range l {
		raw[node] = make(map[string]string, len(series))
		for uid, t := range series {
			raw[node][uid] = t.UTC().Format(time.RFC3339)
		}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func (l ledger) has(nodeID, seriesUID string) bool {
	series, ok := l[nodeID]
	if !ok {
		return false
	}
	_, ok = series[seriesUID]
	return ok
}

func (l ledger) record(nodeID, seriesUID string, at time.Time) {
	if l[nodeID] == nil {
		l[nodeID] = make(map[string]time.Time)
	}
	l[nodeID][seriesUID] = at
}
