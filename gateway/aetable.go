package gateway

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// AEAddress is the network address of an application entity.
type AEAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a AEAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// AETable maps C-MOVE destination AE titles to network addresses. Unknown
// titles fall back to the default address.
type AETable struct {
	AEs     map[string]AEAddress `json:"aes"`
	Default AEAddress            `json:"default"`
}

// defaultAEAddress is used when the table file carries no default.
var defaultAEAddress = AEAddress{Host: "127.0.0.1", Port: 104}

// LoadAETable reads the AE table from a JSON file. A missing or malformed
// file yields a table that resolves everything to the default address.
func LoadAETable(path string, logger *zap.Logger) *AETable {
	if logger == nil {
		logger = zap.NewNop()
	}

	table := &AETable{
		AEs:     make(map[string]AEAddress),
		Default: defaultAEAddress,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read AE table, using defaults",
				zap.String("path", path),
				zap.Error(err))
		}
		return table
	}

	if err := json.Unmarshal(data, table); err != nil {
		logger.Error("Malformed AE table, using defaults",
			zap.String("path", path),
			zap.Error(err))
		return &AETable{AEs: make(map[string]AEAddress), Default: defaultAEAddress}
	}

	if table.AEs == nil {
		table.AEs = make(map[string]AEAddress)
	}
	if table.Default.Host == "" {
		table.Default = defaultAEAddress
	}
	return table
}

// Lookup resolves a destination AE title to its address.
func (t *AETable) Lookup(aeTitle string) AEAddress {
	if addr, ok := t.AEs[aeTitle]; ok {
		return addr
	}
	return t.Default
}
