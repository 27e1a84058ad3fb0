package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SaveTools replaces the tools section of the YAML file at path with
// tools, leaving every other key and its comments untouched. A missing
// tools key is appended.
func SaveTools(path string, tools []ToolConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level is not a mapping", path)
	}

	var value yaml.Node
	if err := value.Encode(tools); err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}

	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "tools" {
			root.Content[i+1] = &value
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "tools"},
			&value,
		)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, info.Mode().Perm())
}

// MergeTools combines existing declarations with discovered ones.
// Discovered entries replace existing entries of the same name;
// existing entries that were not rediscovered are kept.
func MergeTools(existing, discovered []ToolConfig) []ToolConfig {
	index := make(map[string]int, len(existing))
	out := make([]ToolConfig, 0, len(existing)+len(discovered))
	for _, t := range existing {
		index[t.Name] = len(out)
		out = append(out, t)
	}
	for _, t := range discovered {
		if i, ok := index[t.Name]; ok {
			out[i] = t
			continue
		}
		index[t.Name] = len(out)
		out = append(out, t)
	}
	return out
}
