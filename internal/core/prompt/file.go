package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TemplateFile はプロンプトテンプレートのYAMLファイル形式
//
//	template: |
//	  {{.contents}}
//	required_variables: [contents, references]   # または "*"
type TemplateFile struct {
	Template          string       `yaml:"template"`
	RequiredVariables RequiredVars `yaml:"required_variables"`
	Variables         []string     `yaml:"variables,omitempty"`
}

// RequiredVars は変数名のリストまたは "*" を受け付ける
type RequiredVars []string

// UnmarshalYAML はスカラー "*" とシーケンスの両方を受け付ける
func (r *RequiredVars) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Value != AllVariables {
			return fmt.Errorf("required_variables must be a list or %q, got %q", AllVariables, value.Value)
		}
		*r = RequiredVars{AllVariables}
		return nil
	case yaml.SequenceNode:
		var vars []string
		if err := value.Decode(&vars); err != nil {
			return err
		}
		*r = vars
		return nil
	default:
		return fmt.Errorf("required_variables must be a list or %q", AllVariables)
	}
}

// LoadTemplateFile はYAMLファイルを読み込む
func LoadTemplateFile(path string) (*TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt template file: %w", err)
	}

	var tf TemplateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse prompt template file %s: %w", path, err)
	}
	if tf.Template == "" {
		return nil, fmt.Errorf("prompt template file %s has no template", path)
	}
	return &tf, nil
}

// NewBuilderFromFile はYAMLファイルの設定で Builder を作成する
func NewBuilderFromFile(path string, opts ...Option) (*Builder, error) {
	tf, err := LoadTemplateFile(path)
	if err != nil {
		return nil, err
	}

	var fileOpts []Option
	if len(tf.RequiredVariables) > 0 {
		fileOpts = append(fileOpts, WithRequiredVariables(tf.RequiredVariables...))
	}
	if len(tf.Variables) > 0 {
		fileOpts = append(fileOpts, WithVariables(tf.Variables...))
	}

	return NewBuilder(tf.Template, append(fileOpts, opts...)...)
}
