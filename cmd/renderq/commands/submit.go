package commands

import (
	"encoding/json"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChenxingM/RenderQ/errors"
)

// SubmitCmd submits a render job to the coordinator.
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a render job",
	Long: `Submit a render job to the coordinator.

Plugin parameters are passed with repeated -d key=value flags. Values
are coerced to int, float, or bool when they parse as one; everything
else stays a string. Run 'renderq plugins show <name>' to see what a
plugin accepts.

Examples:
  renderq submit --plugin aftereffects --name "Shot 010" \
    -d project_path=/mnt/projects/shot_010.aep \
    -d comp_name=Shot_010 \
    -d output_path=/mnt/renders/shot_010/shot_010_[#####].png

  renderq submit --plugin ffmpeg --name "Encode 010" \
    -d input_path="/mnt/renders/shot_010/shot_010_%05d.png" \
    -d output_path=/mnt/deliveries/shot_010.mov \
    -d frame_rate=24 --depends-on <render-job-id>`,
	RunE: runSubmit,
}

var (
	submitName      string
	submitPlugin    string
	submitPriority  int
	submitPool      string
	submitDependsOn []string
	submitData      []string
	submitMeta      []string
)

func init() {
	SubmitCmd.Flags().StringVar(&submitName, "name", "", "Job name (defaults to the plugin name)")
	SubmitCmd.Flags().StringVar(&submitPlugin, "plugin", "", "Renderer plugin (required, see 'renderq plugins')")
	SubmitCmd.Flags().IntVar(&submitPriority, "priority", -1, "Priority 0-100, higher dispatches first (default 50)")
	SubmitCmd.Flags().StringVar(&submitPool, "pool", "", "Worker pool to render on (default \"default\")")
	SubmitCmd.Flags().StringArrayVar(&submitDependsOn, "depends-on", nil, "Job id that must complete first (repeatable)")
	SubmitCmd.Flags().StringArrayVarP(&submitData, "data", "d", nil, "Plugin parameter as key=value (repeatable)")
	SubmitCmd.Flags().StringArrayVar(&submitMeta, "meta", nil, "Job metadata as key=value (repeatable)")
	SubmitCmd.MarkFlagRequired("plugin")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	pluginData, err := parseKeyValues(submitData)
	if err != nil {
		return errors.Wrap(err, "invalid -d flag")
	}
	metadata, err := parseKeyValues(submitMeta)
	if err != nil {
		return errors.Wrap(err, "invalid --meta flag")
	}

	req := submitRequest{
		Name:        submitName,
		Plugin:      submitPlugin,
		Pool:        submitPool,
		PluginData:  pluginData,
		DependentOn: submitDependsOn,
		Metadata:    metadata,
		SubmittedBy: currentUser(),
	}
	if submitPriority >= 0 {
		req.Priority = &submitPriority
	}

	job, err := newAPI().submitJob(req)
	if err != nil {
		return err
	}

	pterm.Success.Printf("Job submitted: %s\n", job.ID)
	fmt.Printf("  Name:     %s\n", job.Name)
	fmt.Printf("  Plugin:   %s\n", job.Plugin)
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Pool:     %s\n", job.Pool)
	fmt.Printf("  Tasks:    %d\n", job.TaskTotal)
	pterm.Info.Printf("Monitor with: renderq job %s\n", job.ID)
	return nil
}

// parseKeyValues turns repeated key=value flags into a raw JSON object,
// coercing values that parse as int, float, or bool.
func parseKeyValues(pairs []string) (json.RawMessage, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errors.Newf("expected key=value, got %q", pair)
		}
		out[key] = coerceValue(value)
	}
	return json.Marshal(out)
}

func coerceValue(raw string) interface{} {
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return raw
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
