package remote

const (
	tagFile    = "file"
	tagFolder  = "folder"
	tagDeleted = "deleted"
	tagReset   = "reset"
)

type listFolderArg struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type listFolderContinueArg struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

// metadata is a remote entry as listed by the API.
type metadata struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	ID          string `json:"id,omitempty"`
	PathLower   string `json:"path_lower"`
	PathDisplay string `json:"path_display"`
	Rev         string `json:"rev,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type downloadArg struct {
	Path string `json:"path"`
}

// apiError is the error body of a failed API call.
type apiError struct {
	Summary string `json:"error_summary"`
	Detail  struct {
		Tag string `json:".tag"`
	} `json:"error"`
}

func (e *apiError) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	return e.Detail.Tag
}
