package v1alpha1

// PipelineKind distinguishes integration pipelines, which produce an
// artifact, from deployment pipelines, which consume one.
type PipelineKind string

const (
	KindCI PipelineKind = "CI"
	KindCD PipelineKind = "CD"
)

// Capability names the unit of work a stage delegates to. The runner never
// looks inside a stage, it resolves the capability to an executor.
type Capability string

const (
	CapabilityCheckout Capability = "checkout"
	CapabilityBuild    Capability = "build"
	CapabilityTest     Capability = "test"
	CapabilityAnalyze  Capability = "analyze"
	CapabilityPackage  Capability = "package"
	CapabilityScan     Capability = "scan"
	CapabilityPatch    Capability = "patch"
	CapabilityNotify   Capability = "notify"
)

type ParamSpec struct {
	Name string `json:"name,omitempty"`

	// +optional
	Default string `json:"default,omitempty"`
}

type StageSpec struct {
	Capability Capability `json:"capability,omitempty"`

	// Params is a list of input parameters passed to the stage executor.
	// +optional
	Params []*KeyAndValue `json:"params,omitempty"`

	// Cleanup stages execute even after an earlier stage failed or the run
	// was aborted, mirroring deferred-release semantics.
	// +optional
	Cleanup bool `json:"cleanup,omitempty"`
}

type Stage struct {
	Name string `json:"name,omitempty"`

	Spec StageSpec `json:"spec,omitempty"`
}

type PipelineSpec struct {
	Kind PipelineKind `json:"kind,omitempty"`

	// +optional
	Params []ParamSpec `json:"params,omitempty"`

	// Stages execute strictly in declared order.
	Stages []Stage `json:"stages,omitempty"`
}

type Pipeline struct {
	Name string `json:"name,omitempty"`

	Spec PipelineSpec `json:"spec,omitempty"`
}
