package execute

import (
	"context"
	"log"
	"os/exec"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/pkg/models"
)

// CommandMetadataKey is the work-item metadata key holding the shell
// command a ShellRunner executes.
const CommandMetadataKey = "command"

// ShellRunner executes the command stored in an item's metadata via the
// shell. Items without a command succeed immediately, so the execution
// log still tracks them.
type ShellRunner struct {
	// Dir is the working directory for commands. Empty means the
	// current directory.
	Dir string
}

// Run implements Runner.
func (r *ShellRunner) Run(ctx context.Context, item *models.WorkItem) error {
	command := item.Metadata[CommandMetadataKey]
	if command == "" {
		log.Printf("[execute] item %s has no command, marking done", item.ID)
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			log.Printf("[execute] item %s command output:\n%s", item.ID, out)
		}
		return faults.Wrap(faults.Classify(err), err, "command failed")
	}
	return nil
}
