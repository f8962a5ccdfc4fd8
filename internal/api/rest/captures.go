package rest

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func captureID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid capture id", err)
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/captures?source=&session=&limit=
//
// Listings omit sample data.
func (s *Server) listCaptures(c *gin.Context) {
	filter := storage.CaptureFilter{Source: c.Query("source")}
	if v := c.Query("session"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			badRequest(c, "invalid session id", err)
			return
		}
		filter.SessionID = &id
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "invalid limit", err)
			return
		}
		filter.Limit = n
	}
	captures, err := s.lm.Storage().ListCaptures(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	summaries := make([]storage.Capture, 0, len(captures))
	for _, cp := range captures {
		sum := *cp
		sum.Analog, sum.Digital = nil, nil
		summaries = append(summaries, sum)
	}
	c.JSON(http.StatusOK, gin.H{"captures": summaries})
}

// GET /api/v1/captures/:id
func (s *Server) getCapture(c *gin.Context) {
	id, ok := captureID(c)
	if !ok {
		return
	}
	capture, err := s.lm.Storage().GetCapture(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, capture)
}

// DELETE /api/v1/captures/:id
func (s *Server) deleteCapture(c *gin.Context) {
	id, ok := captureID(c)
	if !ok {
		return
	}
	if err := s.lm.Storage().DeleteCapture(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/captures/:id/csv
func (s *Server) exportCaptureCSV(c *gin.Context) {
	id, ok := captureID(c)
	if !ok {
		return
	}
	capture, err := s.lm.Storage().GetCapture(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "capture-"+id.String()+".csv"))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := writeCaptureCSV(w, capture); err != nil {
		_ = c.Error(err)
	}
}

// writeCaptureCSV emits one row per sample. Analog rows carry the sample time
// followed by one voltage per channel, digital rows the 16-bit word.
func writeCaptureCSV(w *csv.Writer, capture *storage.Capture) error {
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	sampleTime := func(i int) string {
		if capture.SampleRate <= 0 {
			return ""
		}
		return format(float64(i) / capture.SampleRate)
	}

	if capture.Source == string(stream.SourceDigital) {
		if err := w.Write([]string{"index", "time_s", "word"}); err != nil {
			return err
		}
		for i, word := range capture.Digital {
			row := []string{strconv.Itoa(i), sampleTime(i), fmt.Sprintf("0x%04x", word)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	}

	header := []string{"time_s"}
	samples := 0
	for ch, data := range capture.Analog {
		header = append(header, "ch"+strconv.Itoa(ch))
		samples = max(samples, len(data))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for i := 0; i < samples; i++ {
		row[0] = sampleTime(i)
		for ch, data := range capture.Analog {
			row[ch+1] = ""
			if i < len(data) {
				row[ch+1] = format(data[i])
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
