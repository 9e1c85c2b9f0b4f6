package schema

// Stage is one step of an assignment. ID is the work item id assigned at
// dispatch time and is never changed afterwards.
type Stage struct {
	ID          *string `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
}

const (
	StageExtraction = "PCAP -> CSV"
	StageInference  = "CSV -> ML"
)

// ExtractionStage returns a fresh copy of the capture-to-flows template.
func ExtractionStage() Stage {
	return Stage{
		Name:        StageExtraction,
		Description: "Convert the uploaded PCAP file into flow records with CICFlowMeter",
	}
}

// InferenceStage returns a fresh copy of the flows-to-verdict template.
func InferenceStage() Stage {
	return Stage{
		Name:        StageInference,
		Description: "Run the flow records through the classifier",
	}
}

// Assignment correlates every stage dispatched for one uploaded capture.
type Assignment struct {
	ID     string  `json:"id"`
	Stages []Stage `json:"stages"`

	// Revision is the store's optimistic concurrency token. Zero means the
	// assignment has never been persisted.
	Revision uint64 `json:"-"`
}

// Clone returns a deep copy so callers can mutate stages without aliasing.
func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	out := &Assignment{ID: a.ID, Revision: a.Revision, Stages: make([]Stage, len(a.Stages))}
	for i, s := range a.Stages {
		out.Stages[i] = s
		if s.ID != nil {
			id := *s.ID
			out.Stages[i].ID = &id
		}
	}
	return out
}

// StageByName returns the most recent stage with the given name.
func (a *Assignment) StageByName(name string) (Stage, bool) {
	for i := len(a.Stages) - 1; i >= 0; i-- {
		if a.Stages[i].Name == name {
			return a.Stages[i], true
		}
	}
	return Stage{}, false
}

// AssignmentState is the position of an assignment in the pipeline.
type AssignmentState string

const (
	StateCreated    AssignmentState = "CREATED"
	StateExtracting AssignmentState = "EXTRACTING"
	StateInferring  AssignmentState = "INFERRING"
	StateDone       AssignmentState = "DONE"
	StateFailed     AssignmentState = "FAILED"
)

// Terminal reports whether no further stage will be dispatched.
func (s AssignmentState) Terminal() bool {
	return s == StateDone || s == StateFailed
}
