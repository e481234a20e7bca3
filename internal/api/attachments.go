package api

import (
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/pkg/types"
)

// maxAttachmentBytes bounds a single upload.
const maxAttachmentBytes = 100 << 20

// uploadAttachment stores the raw request body in the file store and a
// metadata row in the repository. The filename comes from the X-Filename
// header or ?filename=.
func (s *Server) uploadAttachment(c echo.Context) error {
	if s.files == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no file store configured")
	}
	filename := c.Request().Header.Get("X-Filename")
	if filename == "" {
		filename = c.QueryParam("filename")
	}
	if filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename is required (X-Filename header or ?filename=)")
	}
	filename = path.Base(filename)

	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := uuid.NewString()
	key := fmt.Sprintf("attachments/%s/%s", tenant, id)

	body := http.MaxBytesReader(c.Response(), c.Request().Body, maxAttachmentBytes)
	size, err := s.files.Put(ctx, key, body)
	if err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}

	att := &types.Attachment{
		ID:        id,
		TenantID:  tenant,
		SessionID: c.QueryParam("sessionId"),
		Filename:  filename,
		StoreKey:  key,
		SizeBytes: size,
	}
	if err := s.repo.InsertAttachment(ctx, att); err != nil {
		_ = s.files.Delete(ctx, key)
		return err
	}
	return c.JSON(http.StatusCreated, att)
}

func (s *Server) listAttachments(c echo.Context) error {
	atts, err := s.repo.ListAttachments(c.Request().Context(), auth.Tenant(c), c.QueryParam("sessionId"))
	if err != nil {
		return err
	}
	if atts == nil {
		atts = []types.Attachment{}
	}
	return c.JSON(http.StatusOK, atts)
}

func (s *Server) getAttachment(c echo.Context) error {
	ctx := c.Request().Context()
	att, err := s.repo.GetAttachment(ctx, auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	if s.files == nil {
		return echo.NewHTTPError(http.StatusNotFound, "attachment blob unavailable: no file store configured")
	}
	rc, err := s.files.Get(ctx, att.StoreKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "attachment blob missing from store")
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(path.Ext(att.Filename))
	if ctype == "" {
		ctype = echo.MIMEOctetStream
	}
	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	return c.Stream(http.StatusOK, ctype, rc)
}

func (s *Server) deleteAttachment(c echo.Context) error {
	ctx := c.Request().Context()
	att, err := s.repo.GetAttachment(ctx, auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	if s.files != nil {
		if err := s.files.Delete(ctx, att.StoreKey); err != nil {
			s.log.Warn().Str("key", att.StoreKey).Err(err).Msg("attachment blob delete failed")
		}
	}
	if err := s.repo.DeleteAttachment(ctx, auth.Tenant(c), att.ID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
