package environment

import (
	"context"
	"time"

	"github.com/cyberlearn/labmanager/internal/catalog"
)

// Labels attached to every managed runtime instance.
const (
	LabelManaged       = "io.labmanager.managed"
	LabelEnvironmentID = "io.labmanager.environment-id"
	LabelOwner         = "io.labmanager.owner"
	LabelType          = "io.labmanager.type"
)

// InstanceSpec describes a runtime instance to create.
type InstanceSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	Limits  catalog.ResourceLimits
	// Ports are container ports ("2222/tcp"); the runtime picks host ports.
	Ports  []string
	Labels map[string]string
}

// Instance is the runtime's view of a container.
type Instance struct {
	ID      string
	Name    string
	Running bool
	Created time.Time
	// Ports maps container port ("2222/tcp") to the assigned host port.
	Ports  map[string]string
	Labels map[string]string
}

// Runtime is the container engine boundary. Every call may fail on its own;
// nothing is transactional across calls. Stop and Remove must treat an
// instance that is already stopped or gone as success.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec InstanceSpec) (*Instance, error)
	Stop(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (*Instance, error)
}
