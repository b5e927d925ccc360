package mirror

// Action is what the reconciler must do for one entry.
type Action int

const (
	// ActionSkip: the index already reflects the entry.
	ActionSkip Action = iota
	ActionDelete
	ActionCreateDir
	ActionWriteFile
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "Skip"
	case ActionDelete:
		return "Delete"
	case ActionCreateDir:
		return "CreateDir"
	case ActionWriteFile:
		return "WriteFile"
	default:
		return "Unknown"
	}
}

// Decision is the outcome of Classify.
type Decision struct {
	Action Action
	// Relocated is set when a known object now lives at a different path.
	// OldPath and OldIsDir describe where it was.
	Relocated bool
	OldPath   string
	OldIsDir  bool
}

// Classify decides what to do with entry given the current index record
// (nil when there is none). It never touches the filesystem.
func Classify(rec *Record, entry ChangeEntry) Decision {
	if entry.IsDelete() {
		return Decision{Action: ActionDelete}
	}

	meta := entry.Metadata
	if rec != nil && rec.Matches(meta) {
		return Decision{Action: ActionSkip}
	}

	d := Decision{Action: ActionWriteFile}
	if meta.IsDir {
		d.Action = ActionCreateDir
	}
	if rec != nil && rec.Path != meta.Path {
		d.Relocated = true
		d.OldPath = rec.Path
		d.OldIsDir = rec.IsDir
	}
	return d
}
