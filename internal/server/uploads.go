package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"postpilot/internal/async"
	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/upload"
)

// postVideoBody is the legacy upload request. type carries the numeric
// platform code; accountList entries are stored account names, or cookie
// file paths for sessions that were never adopted into the account table.
type postVideoBody struct {
	FileList     []string `json:"fileList"`
	AccountList  []string `json:"accountList"`
	Type         int      `json:"type"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	Category     string   `json:"category"`
	EnableTimer  bool     `json:"enableTimer"`
	VideosPerDay int      `json:"videosPerDay"`
	DailyTimes   []string `json:"dailyTimes"`
	StartDays    int      `json:"startDays"`
}

type uploadResultView struct {
	RecordID    int64  `json:"recordId"`
	Platform    string `json:"platform"`
	AccountName string `json:"accountName"`
	VideoPath   string `json:"videoPath"`
	Success     bool   `json:"success"`
	VideoID     string `json:"videoId,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

func viewUploadResult(r upload.Result) uploadResultView {
	return uploadResultView{
		RecordID:    r.RecordID,
		Platform:    string(r.Platform),
		AccountName: r.AccountName,
		VideoPath:   r.VideoPath,
		Success:     r.Success,
		VideoID:     r.VideoID,
		Error:       r.Error,
		DurationMs:  r.Duration.Milliseconds(),
	}
}

// batchRequest translates the legacy body into a pipeline request: numeric
// code to platform, account names to cookie sessions, relative video paths
// into the video directory. It answers the legacy error itself on failure.
func (s *Server) batchRequest(c *gin.Context, body postVideoBody) (upload.BatchRequest, bool) {
	p, err := platform.FromCode(body.Type)
	if err != nil {
		legacyError(c, http.StatusBadRequest, err.Error())
		return upload.BatchRequest{}, false
	}
	if len(body.FileList) == 0 {
		legacyError(c, http.StatusBadRequest, "fileList must not be empty")
		return upload.BatchRequest{}, false
	}
	if len(body.AccountList) == 0 {
		legacyError(c, http.StatusBadRequest, "accountList must not be empty")
		return upload.BatchRequest{}, false
	}

	req := upload.BatchRequest{
		Platform: p,
		Title:    body.Title,
		Tags:     body.Tags,
		Category: body.Category,
		Schedule: upload.ScheduleOptions{
			EnableTimer:  body.EnableTimer,
			VideosPerDay: body.VideosPerDay,
			DailyTimes:   body.DailyTimes,
			StartDays:    body.StartDays,
		},
	}

	for _, file := range body.FileList {
		if !filepath.IsAbs(file) {
			file = filepath.Join(s.cfg.VideoDir, file)
		}
		req.Files = append(req.Files, file)
	}

	for _, entry := range body.AccountList {
		acc, err := s.deps.Accounts.GetByName(c.Request.Context(), p, entry)
		switch {
		case err == nil:
			req.Accounts = append(req.Accounts, upload.BatchAccount{Name: acc.Name, CookieFile: acc.CookieFile})
		case isNotFound(err):
			// Not in the account table: treat the entry as a cookie file and
			// derive the account name from its basename.
			req.Accounts = append(req.Accounts, upload.BatchAccount{
				Name:       upload.AccountNameFromCookie(entry),
				CookieFile: entry,
			})
		default:
			legacyError(c, http.StatusInternalServerError, err.Error())
			return upload.BatchRequest{}, false
		}
	}
	return req, true
}

func isNotFound(err error) bool {
	var notFound *errors.NotFoundError
	return stderrors.As(err, &notFound)
}

// handlePostVideo dispatches the files × accounts product and waits for the
// terminal results.
func (s *Server) handlePostVideo(c *gin.Context) {
	var body postVideoBody
	if !bindLegacyJSON(c, &body) {
		return
	}
	req, ok := s.batchRequest(c, body)
	if !ok {
		return
	}

	results, err := s.deps.Uploads.UploadBatch(c.Request.Context(), req)
	if err != nil {
		legacyFromError(c, err)
		return
	}

	views := make([]uploadResultView, 0, len(results))
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
		views = append(views, viewUploadResult(r))
	}
	legacyOK(c, "发布完成", gin.H{
		"total":   len(views),
		"success": succeeded,
		"failed":  len(views) - succeeded,
		"results": views,
	})
}

// handlePostVideoBatch accepts the same body but returns immediately; the
// batch runs in the background and lands in the publish-record store.
func (s *Server) handlePostVideoBatch(c *gin.Context) {
	var body postVideoBody
	if !bindLegacyJSON(c, &body) {
		return
	}
	req, ok := s.batchRequest(c, body)
	if !ok {
		return
	}

	async.Go(s.logger, "post-video-batch", func() {
		results, err := s.deps.Uploads.UploadBatch(context.Background(), req)
		if err != nil {
			s.logger.Error("background upload batch: %v", err)
			return
		}
		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
		}
		s.logger.Info("background upload batch finished: %d/%d succeeded", succeeded, len(results))
	})

	legacyOK(c, "任务已提交", gin.H{
		"files":    len(req.Files),
		"accounts": len(req.Accounts),
		"jobs":     len(req.Files) * len(req.Accounts),
	})
}

// handleUploadFile ingests one video over multipart form data, storing it
// under the video directory with a collision-proof name.
func (s *Server) handleUploadFile(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		legacyError(c, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}

	dst := upload.UniqueVideoPath(s.cfg.VideoDir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		legacyError(c, http.StatusInternalServerError, "save upload: "+err.Error())
		return
	}

	s.logger.Info("stored uploaded video %s (%d bytes)", dst, file.Size)
	legacyOK(c, "上传成功", gin.H{
		"path":     dst,
		"filename": filepath.Base(dst),
		"size":     file.Size,
	})
}

// handleAvatar serves <avatarDir>/<platform>/<account>/<file>. Any path
// element containing ".." is rejected with 400.
func (s *Server) handleAvatar(c *gin.Context) {
	parts := []string{c.Param("platform"), c.Param("account"), c.Param("file")}
	for _, part := range parts {
		if strings.Contains(part, "..") {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "invalid avatar path"})
			return
		}
	}
	c.File(filepath.Join(s.cfg.AvatarDir, parts[0], parts[1], parts[2]))
}
