package importer

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bhyt/costdash/internal/domain/billing"
	"github.com/bhyt/costdash/internal/platform/auth"
	"github.com/bhyt/costdash/internal/platform/websocket"
	"github.com/bhyt/costdash/internal/platform/workbook"
	"github.com/bhyt/costdash/pkg/pagination"
)

type Handler struct {
	svc       *Service
	hub       *websocket.Hub
	maxUpload int64
}

// NewHandler serves the import API. hub may be nil, which disables the
// progress stream. maxUpload caps the workbook size in bytes.
func NewHandler(svc *Service, hub *websocket.Hub, maxUpload int64) *Handler {
	return &Handler{svc: svc, hub: hub, maxUpload: maxUpload}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("/imports", auth.RequireRole(auth.RoleImporter, auth.RoleViewer))
	readGroup.GET("/:id", h.GetSession)
	readGroup.GET("/:id/invalid", h.ListInvalidRows)
	readGroup.GET("/:id/rows", h.ListRows)
	readGroup.GET("/:id/pivot", h.GetPivot)

	writeGroup := api.Group("/imports", auth.RequireRole(auth.RoleImporter))
	writeGroup.POST("", h.UploadWorkbook)
	writeGroup.POST("/rows", h.UploadRows)
	writeGroup.PUT("/:id/sheet", h.SelectSheet)
	writeGroup.POST("/:id/commit", h.Commit)
	writeGroup.DELETE("/:id", h.Discard)

	wsGroup := api.Group("/ws/imports", auth.RequireRole(auth.RoleImporter, auth.RoleViewer))
	wsGroup.GET("/:id", h.StreamProgress)
}

type uploadRowsRequest struct {
	FileName string              `json:"file_name" validate:"required,max=255"`
	Rows     []billing.RawRecord `json:"rows" validate:"required,min=1"`
}

type selectSheetRequest struct {
	Sheet string `json:"sheet" validate:"required"`
}

type commitRequest struct {
	Mode    string `json:"mode" validate:"required,oneof=new overwrite"`
	Indices []int  `json:"indices" validate:"omitempty,dive,min=0"`
}

func (h *Handler) UploadWorkbook(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("workbook exceeds %d bytes", h.maxUpload))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	view, err := h.svc.Upload(c.Request().Context(), fh.Filename, data, c.FormValue("sheet"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) UploadRows(c echo.Context) error {
	var req uploadRowsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	view, err := h.svc.UploadRows(c.Request().Context(), req.FileName, req.Rows)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) GetSession(c echo.Context) error {
	view, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SelectSheet(c echo.Context) error {
	var req selectSheetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	view, err := h.svc.SelectSheet(c.Request().Context(), c.Param("id"), req.Sheet)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListInvalidRows(c echo.Context) error {
	pg := pagination.FromContext(c)
	rows, total, err := h.svc.InvalidRows(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg))
}

func (h *Handler) ListRows(c echo.Context) error {
	pg := pagination.FromContext(c)
	class := c.QueryParam("class")
	if class == "" {
		class = "new"
	}
	rows, total, err := h.svc.ClassRows(c.Request().Context(), c.Param("id"), class, pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rows, total, pg))
}

func (h *Handler) GetPivot(c echo.Context) error {
	p, err := h.svc.Pivot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Commit(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	report, err := h.svc.Commit(c.Request().Context(), c.Param("id"), req.Mode, req.Indices)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Discard(c echo.Context) error {
	if err := h.svc.Discard(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StreamProgress upgrades to a websocket subscribed to the session's
// progress events.
func (h *Handler) StreamProgress(c echo.Context) error {
	if h.hub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "progress stream disabled")
	}
	id := c.Param("id")
	if _, err := h.svc.Get(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return h.hub.Serve(c, Topic(id))
}

func mapError(err error) error {
	var (
		formatErr   *workbook.FormatError
		notFoundErr *workbook.SheetNotFoundError
		noSheetErr  *workbook.NoCompatibleSheetError
	)
	switch {
	case errors.As(err, &noSheetErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message":          noSheetErr.Error(),
			"sheets":           noSheetErr.Sheets,
			"commonly_missing": noSheetErr.CommonlyMissing,
		})
	case errors.As(err, &formatErr), errors.As(err, &notFoundErr),
		errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidClass),
		errors.Is(err, ErrDuplicateColumn):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workbook.ErrSheetRequired), errors.Is(err, ErrNotReady), errors.Is(err, ErrNoWorkbook):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
