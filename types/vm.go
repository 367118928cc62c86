package types

import "time"

// VMState represents the lifecycle state of a VM as observed through the engine.
type VMState string

const (
	VMStateAbsent  VMState = "absent"  // no such instance
	VMStateStopped VMState = "stopped" // instance exists, guest is down
	VMStateRunning VMState = "running" // guest is up and accepts exec
	VMStateBroken  VMState = "broken"  // engine reports an unusable instance
)

// Resources is a VM resource allocation. Zero fields mean "unspecified".
type Resources struct {
	CPUs   int   `json:"cpus,omitempty"`
	Memory int64 `json:"memory,omitempty"` // bytes
	Disk   int64 `json:"disk,omitempty"`   // bytes
}

// IsZero reports whether no field is specified.
func (r Resources) IsZero() bool {
	return r.CPUs == 0 && r.Memory == 0 && r.Disk == 0
}

// Changes returns the fields of r that are specified and differ from cur.
// The result is zero when applying r to cur would be a no-op.
func (r Resources) Changes(cur Resources) Resources {
	var out Resources
	if r.CPUs != 0 && r.CPUs != cur.CPUs {
		out.CPUs = r.CPUs
	}
	if r.Memory != 0 && r.Memory != cur.Memory {
		out.Memory = r.Memory
	}
	if r.Disk != 0 && r.Disk != cur.Disk {
		out.Disk = r.Disk
	}
	return out
}

// Merge returns cur overridden by the specified fields of r.
func (r Resources) Merge(cur Resources) Resources {
	if r.CPUs != 0 {
		cur.CPUs = r.CPUs
	}
	if r.Memory != 0 {
		cur.Memory = r.Memory
	}
	if r.Disk != 0 {
		cur.Disk = r.Disk
	}
	return cur
}

// VMConfig describes a VM to be created or cloned.
type VMConfig struct {
	Name      string    `json:"name"`
	Resources Resources `json:"resources"`
	Mounts    []Mount   `json:"mounts,omitempty"`

	// Images is only consulted by Create (template build); clones inherit
	// the disk of their source.
	Images []Image `json:"images,omitempty"`
}

// VM is the engine-side record of an instance.
type VM struct {
	Name      string    `json:"name"`
	State     VMState   `json:"state"`
	Resources Resources `json:"resources"`
	Mounts    []Mount   `json:"mounts,omitempty"`
	Dir       string    `json:"dir,omitempty"` // engine instance directory on the host

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Running reports whether the guest is up.
func (vm *VM) Running() bool { return vm != nil && vm.State == VMStateRunning }
