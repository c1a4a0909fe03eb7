package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/cuemby/hutch/pkg/types"
)

// ServiceManifest is one YAML document accepted by 'hutch deploy -f'.
type ServiceManifest struct {
	Kind     string           `yaml:"kind"`
	Metadata ManifestMetadata `yaml:"metadata"`
	Spec     ManifestSpec     `yaml:"spec"`
}

type ManifestMetadata struct {
	Tenant  string `yaml:"tenant"`
	Service string `yaml:"service"`
}

type ManifestSpec struct {
	Format     string           `yaml:"format,omitempty"`
	Source     string           `yaml:"source,omitempty"`
	SourceFile string           `yaml:"sourceFile,omitempty"`
	Restart    *ManifestRestart `yaml:"restart,omitempty"`
}

// ManifestRestart mirrors types.RestartPolicy with string durations, so
// manifests read "window: 30s" rather than nanosecond integers.
type ManifestRestart struct {
	MaxRestarts     int    `yaml:"maxRestarts"`
	Window          string `yaml:"window,omitempty"`
	StartupTimeout  string `yaml:"startupTimeout,omitempty"`
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy services from a manifest or flags",
	Long: `Deploy one or more services.

Examples:
  # Deploy every Service document in a manifest
  hutch deploy -f services.yaml

  # Deploy a single Lua source file
  hutch deploy --tenant acme --service billing --source billing.lua

  # Replace a running service with a new definition
  hutch deploy -f services.yaml --replace`,
	RunE: runDeploy,
}

var killCmd = &cobra.Command{
	Use:   "kill TENANT SERVICE",
	Short: "Stop a service and record the kill",
	Long: `Stop a running service gracefully and record the kill in the
event log. A killed service is not resurrected by crash recovery.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.Kill(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Service killed: %s/%s\n", args[0], args[1])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list TENANT",
	Short: "List a tenant's services",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		services, err := c.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(services) == 0 {
			fmt.Printf("No services for tenant %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE")
		for _, svc := range services {
			state := "down"
			if svc.Alive {
				state = "running"
			}
			fmt.Fprintf(w, "%s\t%s\n", svc.Service, state)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TENANT SERVICE",
	Short: "Show a service's live worker stats",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		st, err := c.Status(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		state := "down"
		if st.Alive {
			state = "running"
		}
		fmt.Printf("Service: %s/%s\n", args[0], args[1])
		fmt.Printf("  State: %s\n", state)
		fmt.Printf("  Memory: %s\n", formatBytes(st.MemoryBytes))
		fmt.Printf("  Inbox: %d pending\n", st.InboxLen)
		fmt.Printf("  Work Units: %d\n", st.WorkUnits)
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call TENANT SERVICE [PAYLOAD]",
	Short: "Send one message to a service and print its reply",
	Long: `Send one message to a service and wait for the reply.

PAYLOAD is a JSON object; '-' reads it from stdin. Omitting it sends an
empty message.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

var swapCmd = &cobra.Command{
	Use:   "swap TENANT SERVICE",
	Short: "Hot-swap a service's code in place",
	Long: `Replace a running service's code without restarting it. The
worker keeps its state; the new module's code_change hook sees the old
version.

The swap stays provisional for a rollback window: a crash inside the
window restores the previous code. Pass --window 0 to commit
immediately.`,
	Args: cobra.ExactArgs(2),
	RunE: runSwap,
}

func init() {
	deployCmd.Flags().StringP("file", "f", "", "YAML manifest to deploy")
	deployCmd.Flags().String("tenant", "", "Tenant to deploy into")
	deployCmd.Flags().String("service", "", "Service name")
	deployCmd.Flags().String("source", "", "Lua source file")
	deployCmd.Flags().Bool("replace", false, "Replace the service if it already runs")

	callCmd.Flags().Duration("timeout", 0, "Reply timeout (0 uses the server default)")

	swapCmd.Flags().String("source", "", "Lua source file with the new code (required)")
	swapCmd.Flags().Duration("window", 0, "Rollback window (0 commits immediately)")
	_ = swapCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(swapCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	replace, _ := cmd.Flags().GetBool("replace")
	c := apiClient(cmd)

	if file != "" {
		specs, err := loadManifests(file)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if err := deployOne(cmd, c, spec, replace); err != nil {
				return err
			}
		}
		return nil
	}

	tenant, _ := cmd.Flags().GetString("tenant")
	service, _ := cmd.Flags().GetString("service")
	sourceFile, _ := cmd.Flags().GetString("source")
	if tenant == "" || service == "" || sourceFile == "" {
		return fmt.Errorf("either -f MANIFEST or --tenant, --service and --source are required")
	}

	source, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	spec := &types.ServiceSpec{
		Tenant:  tenant,
		Service: service,
		Source:  string(source),
		Format:  types.FormatLua,
	}
	return deployOne(cmd, c, spec, replace)
}

func deployOne(cmd *cobra.Command, c *client.Client, spec *types.ServiceSpec, replace bool) error {
	var (
		id  types.Identity
		err error
	)
	if replace {
		id, err = c.Replace(cmd.Context(), spec)
	} else {
		id, err = c.Deploy(cmd.Context(), spec)
	}
	if err != nil {
		if errors.Is(err, types.ErrAlreadyRegistered) {
			return fmt.Errorf("%s/%s already runs (use --replace to update it)", spec.Tenant, spec.Service)
		}
		return err
	}
	fmt.Printf("✓ Service deployed: %s/%s\n", id.Tenant, id.Service)
	return nil
}

// loadManifests reads every Service document from a YAML file.
func loadManifests(path string) ([]*types.ServiceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var specs []*types.ServiceSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for i := 0; ; i++ {
		var m ServiceManifest
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		spec, err := manifestSpec(&m, path)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no Service documents in %s", path)
	}
	return specs, nil
}

func manifestSpec(m *ServiceManifest, path string) (*types.ServiceSpec, error) {
	if m.Kind != "Service" {
		return nil, fmt.Errorf("unsupported resource kind: %s", m.Kind)
	}

	source := m.Spec.Source
	if source == "" && m.Spec.SourceFile != "" {
		// Relative sourceFile paths resolve against the manifest.
		file := m.Spec.SourceFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read sourceFile: %w", err)
		}
		source = string(data)
	}
	if source == "" {
		return nil, fmt.Errorf("service source is required (source or sourceFile)")
	}

	format := types.SourceFormat(m.Spec.Format)
	if format == "" {
		format = types.FormatLua
	}

	spec := &types.ServiceSpec{
		Tenant:  m.Metadata.Tenant,
		Service: m.Metadata.Service,
		Source:  source,
		Format:  format,
	}
	if m.Spec.Restart != nil {
		policy, err := restartPolicy(m.Spec.Restart)
		if err != nil {
			return nil, err
		}
		spec.Restart = policy
	}
	return spec, nil
}

func restartPolicy(m *ManifestRestart) (*types.RestartPolicy, error) {
	policy := types.DefaultRestartPolicy()
	policy.MaxRestarts = m.MaxRestarts

	for _, f := range []struct {
		name  string
		value string
		dst   *types.Duration
	}{
		{"window", m.Window, &policy.Window},
		{"startupTimeout", m.StartupTimeout, &policy.StartupTimeout},
		{"shutdownTimeout", m.ShutdownTimeout, &policy.ShutdownTimeout},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return nil, fmt.Errorf("restart.%s: %w", f.name, err)
		}
		*f.dst = types.Duration(d)
	}
	return policy, nil
}

func runCall(cmd *cobra.Command, args []string) error {
	payload := map[string]any{}
	if len(args) == 3 {
		raw := []byte(args[2])
		if args[2] == "-" {
			var err error
			raw, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	c := apiClient(cmd)
	reply, err := c.Call(cmd.Context(), args[0], args[1], payload, timeout)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSwap(cmd *cobra.Command, args []string) error {
	sourceFile, _ := cmd.Flags().GetString("source")
	source, err := os.ReadFile(sourceFile)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	var window *time.Duration
	if cmd.Flags().Changed("window") {
		d, _ := cmd.Flags().GetDuration("window")
		window = &d
	}

	c := apiClient(cmd)
	receipt, err := c.Swap(cmd.Context(), args[0], args[1], string(source), window)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Swap applied: %s/%s\n", args[0], args[1])
	fmt.Printf("  Version: %s -> %s\n", receipt.FromVersion, receipt.ToVersion)
	if receipt.Committed {
		fmt.Println("  Committed immediately")
	} else {
		fmt.Printf("  Rollback window: %s (a crash inside it restores %s)\n",
			receipt.Window, receipt.FromVersion)
	}
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
