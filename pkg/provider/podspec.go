package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template is the on-disk pod-spec template (POD_SPEC_TEMPLATE_PATH) that
// parameterizes every CreatePod call with the fleet's standard instance
// shape and labels.
type Template struct {
	InstanceType string            `yaml:"instance_type"`
	Labels       map[string]string `yaml:"labels"`
}

// LoadTemplate reads and parses a pod-spec template from path.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("reading pod spec template %s: %w", path, err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return Template{}, fmt.Errorf("parsing pod spec template %s: %w", path, err)
	}
	return tpl, nil
}

// Spec renders a concrete PodSpec from the template, merging in any
// worker-specific labels.
func (t Template) Spec(extraLabels map[string]string) PodSpec {
	labels := make(map[string]string, len(t.Labels)+len(extraLabels))
	for k, v := range t.Labels {
		labels[k] = v
	}
	for k, v := range extraLabels {
		labels[k] = v
	}
	return PodSpec{InstanceType: t.InstanceType, Labels: labels}
}
