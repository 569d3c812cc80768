// Package export renders conversation transcripts as spreadsheets.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// ContentType is the MIME type of an XLSX workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	transcriptSheet = "Transcript"
	summarySheet    = "Conversation"
	timeLayout      = "2006-01-02 15:04:05"
)

var transcriptHeaders = []string{"Message ID", "Sent At (UTC)", "Sender Type", "Sender", "Message"}

// FileName returns the attachment name for a conversation export.
func FileName(conv *model.Conversation) string {
	return fmt.Sprintf("conversation_%d_%s.xlsx", conv.ID, time.Now().UTC().Format("20060102_150405"))
}

// Transcript builds a workbook with a summary sheet and one row per message
// in log order. Bodies are written as stored, without HTML escaping.
func Transcript(conv *model.Conversation, msgs []model.Message) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(transcriptSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	if err := writeSummary(f, conv, len(msgs)); err != nil {
		f.Close()
		return nil, err
	}

	for i, header := range transcriptHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(transcriptSheet, cell, header)
	}

	for i := range msgs {
		msg := &msgs[i]
		row := i + 2
		values := []interface{}{
			msg.ID,
			msg.SentAt.UTC().Format(timeLayout),
			string(msg.SenderType),
			senderName(conv, msg),
			msg.Body,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(transcriptSheet, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write row %d: %w", row, err)
			}
		}
	}

	f.SetColWidth(transcriptSheet, "B", "B", 20)
	f.SetColWidth(transcriptSheet, "D", "D", 22)
	f.SetColWidth(transcriptSheet, "E", "E", 80)

	return f, nil
}

// WriteTranscript renders the workbook to w.
func WriteTranscript(w io.Writer, conv *model.Conversation, msgs []model.Message) error {
	f, err := Transcript(conv, msgs)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, conv *model.Conversation, count int) error {
	admin := ""
	if conv.AdminID != nil {
		admin = fmt.Sprintf("%s (%s)", conv.AdminName, *conv.AdminID)
	}

	rows := [][2]interface{}{
		{"Conversation ID", conv.ID},
		{"Client ID", conv.ClientID},
		{"Status", string(conv.Status)},
		{"Agent", admin},
		{"Created At (UTC)", conv.CreatedAt.UTC().Format(timeLayout)},
		{"Updated At (UTC)", conv.UpdatedAt.UTC().Format(timeLayout)},
		{"Messages", count},
	}
	for i, row := range rows {
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), row[0]); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
		if err := f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), row[1]); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	f.SetColWidth(summarySheet, "A", "B", 24)
	return nil
}

func senderName(conv *model.Conversation, msg *model.Message) string {
	switch msg.SenderType {
	case model.SenderBot:
		return model.BotName
	case model.SenderAdmin:
		if conv.AdminName != "" {
			return conv.AdminName
		}
		return "Agent"
	default:
		return "Client"
	}
}
