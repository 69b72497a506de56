package evm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// Artifact
// =============================================================================

// Artifact is a compiled contract: its ABI and creation bytecode.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// artifactFile covers truffle/hardhat ("bytecode": "0x...") and foundry
// ("bytecode": {"object": "0x..."}) output.
type artifactFile struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// ParseArtifact decodes a compiler output file.
func ParseArtifact(name string, data []byte) (*Artifact, error) {
	var f artifactFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, NewChainError("ParseArtifact", name, "", err.Error(), ErrInvalidArtifact)
	}
	if len(f.ABI) == 0 {
		return nil, NewChainError("ParseArtifact", name, "", "missing abi", ErrInvalidArtifact)
	}

	parsed, err := abi.JSON(bytes.NewReader(f.ABI))
	if err != nil {
		return nil, NewChainError("ParseArtifact", name, "", err.Error(), ErrInvalidArtifact)
	}

	code, err := decodeBytecode(f.Bytecode)
	if err != nil {
		return nil, NewChainError("ParseArtifact", name, "", err.Error(), ErrInvalidArtifact)
	}

	if f.ContractName != "" {
		name = f.ContractName
	}
	return &Artifact{Name: name, ABI: parsed, Bytecode: code}, nil
}

func decodeBytecode(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing bytecode")
	}

	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("bytecode must be a hex string or an object: %w", err)
		}
		hex = obj.Object
	}

	hex = strings.TrimSpace(hex)
	if hex == "" || hex == "0x" {
		return nil, errors.New("empty bytecode (abstract contract or interface?)")
	}
	if strings.Contains(hex, "__") {
		return nil, errors.New("bytecode has unlinked library placeholders")
	}
	return common.FromHex(hex), nil
}

// =============================================================================
// Artifact Directory
// =============================================================================

// Artifacts loads <dir>/<unit>.json files on demand and caches them.
type Artifacts struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Artifact
}

// NewArtifacts creates a loader for dir.
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir, cache: make(map[string]*Artifact)}
}

// Load returns the artifact for unit.
func (a *Artifacts) Load(unit string) (*Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(unit)
}

func (a *Artifacts) load(unit string) (*Artifact, error) {
	if art, ok := a.cache[unit]; ok {
		return art, nil
	}

	path := filepath.Join(a.dir, unit+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewChainError("LoadArtifact", unit, "", "no file at "+path, ErrArtifactNotFound)
		}
		return nil, NewChainError("LoadArtifact", unit, "", err.Error(), err)
	}

	art, err := ParseArtifact(unit, data)
	if err != nil {
		return nil, err
	}
	a.cache[unit] = art
	return art, nil
}

// Units lists the artifact names present in the directory.
func (a *Artifacts) Units() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	units := make([]string, 0, len(matches))
	for _, m := range matches {
		units = append(units, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(units)
	return units, nil
}

// FindMethod looks for a method named name taking nargs inputs across all
// artifacts. It is used for targets deployed by an earlier run, whose unit
// is unknown. Several matches are fine as long as they share a signature.
func (a *Artifacts) FindMethod(name string, nargs int) (*Artifact, abi.Method, error) {
	units, err := a.Units()
	if err != nil {
		return nil, abi.Method{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found  *Artifact
		method abi.Method
	)
	for _, unit := range units {
		art, err := a.load(unit)
		if err != nil {
			if errors.Is(err, ErrInvalidArtifact) {
				continue
			}
			return nil, abi.Method{}, err
		}
		m, ok := art.ABI.Methods[name]
		if !ok || len(m.Inputs) != nargs {
			continue
		}
		if found == nil {
			found, method = art, m
			continue
		}
		if m.Sig != method.Sig {
			return nil, abi.Method{}, NewChainError("FindMethod", name, "",
				fmt.Sprintf("%s in %s and %s in %s", method.Sig, found.Name, m.Sig, art.Name), ErrAmbiguousMethod)
		}
	}
	if found == nil {
		return nil, abi.Method{}, NewChainError("FindMethod", name, "",
			fmt.Sprintf("no artifact has %s with %d arguments", name, nargs), ErrUnknownMethod)
	}
	return found, method, nil
}
