package domain

// Stage is the step a relay has reached.
type Stage int

const (
	StageStart Stage = iota
	StageReceiving
	StageSpooling
	StageUploading
	StageCleaning
	StageDone
	StageFailed
)

var stageLabels = map[Stage]string{
	StageStart:     "start",
	StageReceiving: "receiving",
	StageSpooling:  "spooling",
	StageUploading: "uploading",
	StageCleaning:  "cleaning",
	StageDone:      "done",
	StageFailed:    "failed",
}

func (s Stage) String() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}

	return "unknown"
}
