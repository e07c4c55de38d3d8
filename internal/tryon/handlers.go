package tryon

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/validation"
)

// Handler exposes the generation endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler for the try-on service.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the generation endpoints. The caller attaches
// the auth, origin, rate-limit, and quota middleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/tryon", h.TryOn)
	r.POST("/classify", h.Classify)
}

// TryOn handles POST /v1/tryon.
func (h *Handler) TryOn(c *gin.Context) {
	ident := auth.MustIdentity(c)

	req := &Request{ProductImageURL: c.PostForm("productImageUrl")}
	if data, mime, err := formImage(c, "userImage"); err != nil {
		apierr.Write(c, err)
		return
	} else if data != nil {
		req.UserImage = data
		req.UserImageType = mime
	}
	if data, mime, err := formImage(c, "productImage"); err != nil {
		apierr.Write(c, err)
		return
	} else if data != nil {
		req.ProductImage = data
		req.ProductImageType = mime
	}

	result, err := h.svc.TryOn(c.Request.Context(), ident.Tenant, req)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Classify handles POST /v1/classify.
func (h *Handler) Classify(c *gin.Context) {
	ident := auth.MustIdentity(c)

	data, mime, err := formImage(c, "productImage")
	if err != nil {
		apierr.Write(c, err)
		return
	}

	cls, err := h.svc.Classify(c.Request.Context(), ident.Tenant, data, mime)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, cls)
}

// formImage reads one uploaded file from the multipart form. A missing
// field returns nil bytes and no error; the service decides whether the
// field was required.
func formImage(c *gin.Context, field string) ([]byte, string, error) {
	fileHeader, err := c.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile || err == http.ErrNotMultipart {
			return nil, "", nil
		}
		return nil, "", apierr.BadRequest(apierr.CodeInvalidRequest, "Malformed upload")
	}
	if fileHeader.Size > validation.MaxUploadSize {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidRequest, "Uploaded image is too large")
	}

	data, err := readAll(fileHeader)
	if err != nil {
		return nil, "", apierr.BadRequest(apierr.CodeInvalidRequest, "Malformed upload")
	}

	mime := fileHeader.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}

func readAll(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, validation.MaxUploadSize+1))
}
