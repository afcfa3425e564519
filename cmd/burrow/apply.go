package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a template definition",
	Long: `Apply a sandbox template from a YAML file against a running
control plane.

Examples:
  # Register a python sandbox template
  burrow apply -f python-sandbox.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("server", "http://localhost:8080", "Control plane address")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// TemplateResource is the YAML shape of a template definition.
type TemplateResource struct {
	Kind string `yaml:"kind"`
	Spec struct {
		Name           string            `yaml:"name"`
		Image          string            `yaml:"image"`
		Runtime        string            `yaml:"runtime"`
		DefaultTimeout int               `yaml:"defaultTimeout"`
		AllowNetwork   bool              `yaml:"allowNetwork"`
		DefaultEnv     map[string]string `yaml:"defaultEnv"`
		Limits         struct {
			CPUCores     float64 `yaml:"cpuCores"`
			MemoryBytes  int64   `yaml:"memoryBytes"`
			DiskBytes    int64   `yaml:"diskBytes"`
			MaxProcesses int     `yaml:"maxProcesses"`
		} `yaml:"limits"`
	} `yaml:"spec"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var resource TemplateResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if resource.Kind != "Template" {
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}

	c := client.NewClient(server)
	tpl, err := c.CreateTemplate(cmd.Context(), client.TemplateSpec{
		Name:    resource.Spec.Name,
		Image:   resource.Spec.Image,
		Runtime: resource.Spec.Runtime,
		DefaultLimits: client.ResourceLimits{
			CPUCores:     resource.Spec.Limits.CPUCores,
			MemoryBytes:  resource.Spec.Limits.MemoryBytes,
			DiskBytes:    resource.Spec.Limits.DiskBytes,
			MaxProcesses: resource.Spec.Limits.MaxProcesses,
		},
		DefaultTimeout: resource.Spec.DefaultTimeout,
		DefaultEnv:     resource.Spec.DefaultEnv,
		AllowNetwork:   resource.Spec.AllowNetwork,
	})
	if err != nil {
		return fmt.Errorf("failed to apply template: %w", err)
	}

	fmt.Printf("Template applied: %s (ID: %s)\n", tpl.Name, tpl.ID)
	return nil
}
