package definition

import (
	"path/filepath"
	"strings"

	"github.com/artpar/deploychain/internal/core/pipeline"
)

// Format is the syntax of a definition source.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatForPath picks the syntax from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", NewParseError("", "cannot infer format of "+path, ErrUnsupportedFormat)
	}
}

// Parse decodes a definition named source. vars supplies the values of
// var.<name> references. The result is validated before it is returned.
func Parse(source string, data []byte, vars map[string]string) (pipeline.Definition, error) {
	format, err := FormatForPath(source)
	if err != nil {
		return pipeline.Definition{}, err
	}
	return ParseFormat(format, source, data, vars)
}

// ParseFormat is Parse with an explicit format.
func ParseFormat(format Format, source string, data []byte, vars map[string]string) (pipeline.Definition, error) {
	def, err := DecodeFormat(format, source, data, vars)
	if err != nil {
		return pipeline.Definition{}, err
	}
	if err := pipeline.Validate(def); err != nil {
		return pipeline.Definition{}, err
	}
	return def, nil
}

// Decode is Parse without validation. Defaults are applied, so the result
// can be reordered with pipeline.TopologicalSort and validated again.
func Decode(source string, data []byte, vars map[string]string) (pipeline.Definition, error) {
	format, err := FormatForPath(source)
	if err != nil {
		return pipeline.Definition{}, err
	}
	return DecodeFormat(format, source, data, vars)
}

// DecodeFormat is Decode with an explicit format.
func DecodeFormat(format Format, source string, data []byte, vars map[string]string) (pipeline.Definition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return pipeline.Definition{}, ErrEmptyInput
	}

	var (
		def pipeline.Definition
		err error
	)
	switch format {
	case FormatYAML:
		def, err = parseYAML(data, vars)
	case FormatHCL:
		def, err = parseHCL(source, data, vars)
	default:
		return pipeline.Definition{}, NewParseError("", string(format), ErrUnsupportedFormat)
	}
	if err != nil {
		return pipeline.Definition{}, err
	}

	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	for i := range def.Steps {
		def.Steps[i].Position = i
		if def.Steps[i].Unit == "" {
			def.Steps[i].Unit = def.Steps[i].Name
		}
		for j := range def.Steps[i].Wiring {
			if def.Steps[i].Wiring[j].Policy == "" {
				def.Steps[i].Wiring[j].Policy = pipeline.PolicyBestEffort
			}
		}
	}
	return def, nil
}
