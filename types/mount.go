package types

// Mount is a host directory shared into the guest at the same path.
type Mount struct {
	Location string `json:"location" yaml:"location"`
	Writable bool   `json:"writable" yaml:"writable"`
}

// Image is a base disk image the engine boots a freshly created VM from.
type Image struct {
	Location string `json:"location" yaml:"location"`
	Arch     string `json:"arch,omitempty" yaml:"arch,omitempty"`
}
