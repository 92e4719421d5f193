package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-autoreply/whatsapp"
)

type tagsBody struct {
	Bookings bool `json:"bookings"`
	FAQs     bool `json:"faqs"`
	Shop     bool `json:"shop"`
}

type connectBody struct {
	SiteURL           string    `json:"siteUrl"`
	MessagesPerMinute *int      `json:"messagesPerMinute"`
	PromptTemplate    string    `json:"promptTemplate"`
	Tags              *tagsBody `json:"tags"`
}

type connectResponse struct {
	State     whatsapp.State `json:"state"`
	QR        string         `json:"qr,omitempty"`
	QRDataURL string         `json:"qrDataUrl,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

type statusResponse struct {
	State       whatsapp.State `json:"state"`
	PhoneNumber string         `json:"phoneNumber,omitempty"`
	DeviceJID   string         `json:"deviceJid,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	LastQR      string         `json:"lastQr,omitempty"`
	QRDataURL   string         `json:"qrDataUrl,omitempty"`
	SiteURL     string         `json:"siteUrl,omitempty"`
}

// sessionConfig applies defaults: every tag on, DefaultMessagesPerMinute,
// and out-of-range rates clamped.
func (b connectBody) sessionConfig() whatsapp.SessionConfig {
	cfg := whatsapp.SessionConfig{
		SiteURL:           b.SiteURL,
		MessagesPerMinute: whatsapp.DefaultMessagesPerMinute,
		PromptTemplate:    b.PromptTemplate,
		Tags:              whatsapp.Tags{Bookings: true, FAQs: true, Shop: true},
	}
	if b.MessagesPerMinute != nil {
		cfg.MessagesPerMinute = whatsapp.ClampMessagesPerMinute(*b.MessagesPerMinute)
	}
	if b.Tags != nil {
		cfg.Tags = whatsapp.Tags{Bookings: b.Tags.Bookings, FAQs: b.Tags.FAQs, Shop: b.Tags.Shop}
	}
	return cfg
}

func (s *Server) connect(c echo.Context) error {
	req := c.Request()
	if req.ContentLength > 0 && !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be JSON", nil)
	}

	var body connectBody
	// an empty body means every default
	if err := c.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be JSON", bindDetail(err))
	}

	snap, err := s.registry.Connect(req.Context(), whatsapp.ConnectRequest{
		LicenseKey: licenseKey(c),
		Config:     body.sessionConfig(),
	})
	if err != nil {
		return s.registryError(c, err)
	}

	return c.JSON(http.StatusOK, connectResponse{
		State:     snap.State,
		QR:        snap.QR,
		QRDataURL: s.dataURL(snap.QR),
		LastError: snap.LastError,
	})
}

func bindDetail(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Internal != nil {
		return he.Internal.Error()
	}
	return err.Error()
}

func (s *Server) disconnect(c echo.Context) error {
	snap, err := s.registry.Disconnect(c.Request().Context(), licenseKey(c))
	if err != nil {
		return s.registryError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]whatsapp.State{"state": snap.State})
}

func (s *Server) status(c echo.Context) error {
	snap, err := s.registry.Status(c.Request().Context(), licenseKey(c))
	if err != nil {
		return s.registryError(c, err)
	}
	resp := statusResponse{
		State:       snap.State,
		PhoneNumber: snap.PhoneNumber,
		DeviceJID:   snap.DeviceJID,
		LastError:   snap.LastError,
		SiteURL:     snap.SiteURL,
	}
	if snap.State == whatsapp.StateQR {
		resp.LastQR = snap.QR
		resp.QRDataURL = s.dataURL(snap.QR)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) dataURL(code string) string {
	if code == "" || s.qr == nil {
		return ""
	}
	url, err := s.qr.DataURL(code)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to render QR code")
		return ""
	}
	return url
}

func (s *Server) registryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, whatsapp.ErrInvalidLicense):
		return fail(c, http.StatusForbidden, "INVALID_LICENSE", "License is not valid", nil)
	case errors.Is(err, whatsapp.ErrTransportUnavailable):
		return fail(c, http.StatusServiceUnavailable, "TRANSPORT_UNAVAILABLE", "WhatsApp transport is not available", nil)
	}
	s.logger.Error().Err(err).Str("license", licenseKey(c)).Msg("Session request failed")
	return fail(c, http.StatusInternalServerError, "SESSION_ERROR", "Session request failed", err.Error())
}
