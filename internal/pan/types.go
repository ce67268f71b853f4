// Package pan is a client for the 123pan open API.
package pan

// baseResponse is the envelope shared by every API response. A non-zero
// code is an application-level failure even when HTTP reports 200.
type baseResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	// EntryTypeFile and EntryTypeFolder are the values of File.Type.
	EntryTypeFile   = 0
	EntryTypeFolder = 1

	// LastPageSentinel is the lastFileId value signalling the final page.
	LastPageSentinel = -1
)

// File is one file or folder entry as returned by the API.
type File struct {
	FileID       int64  `json:"fileId"`
	Filename     string `json:"filename"`
	Type         int    `json:"type"`
	Size         int64  `json:"size"`
	Etag         string `json:"etag"`
	ParentFileID int64  `json:"parentFileId"`
	Trashed      int    `json:"trashed"`
}

// IsDir returns true for folder entries.
func (f *File) IsDir() bool { return f.Type == EntryTypeFolder }

type accessTokenRequest struct {
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
}

type accessTokenResponse struct {
	baseResponse
	Data struct {
		AccessToken string `json:"accessToken"`
		ExpiredAt   string `json:"expiredAt"`
	} `json:"data"`
}

type fileListResponse struct {
	baseResponse
	Data struct {
		LastFileID int64  `json:"lastFileId"`
		FileList   []File `json:"fileList"`
	} `json:"data"`
}

type fileDetailResponse struct {
	baseResponse
	Data File `json:"data"`
}

type fileInfosRequest struct {
	FileIDs []int64 `json:"fileIds"`
}

type fileInfosResponse struct {
	baseResponse
	Data struct {
		FileList []File `json:"fileList"`
	} `json:"data"`
}

type downloadInfoResponse struct {
	baseResponse
	Data struct {
		DownloadURL string `json:"downloadUrl"`
	} `json:"data"`
}

type trashRequest struct {
	FileIDs []int64 `json:"fileIDs"`
}

type uploadCreateRequest struct {
	ParentFileID int64  `json:"parentFileID"`
	Filename     string `json:"filename"`
	Etag         string `json:"etag"`
	Size         int64  `json:"size"`
	Duplicate    int    `json:"duplicate,omitempty"`
	ContainDir   bool   `json:"containDir,omitempty"`
}

// UploadSession describes a created upload: either the file was matched
// server-side (Reuse) or slices must be sent to one of Servers.
type UploadSession struct {
	FileID      int64    `json:"fileID"`
	PreuploadID string   `json:"preuploadID"`
	Reuse       bool     `json:"reuse"`
	SliceSize   int64    `json:"sliceSize"`
	Servers     []string `json:"servers"`
}

type uploadCreateResponse struct {
	baseResponse
	Data UploadSession `json:"data"`
}

type uploadCompleteRequest struct {
	PreuploadID string `json:"preuploadID"`
}

type uploadCompleteResponse struct {
	baseResponse
	Data struct {
		Completed bool  `json:"completed"`
		FileID    int64 `json:"fileID"`
	} `json:"data"`
}
