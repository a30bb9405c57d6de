package excel

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/example/microlearn/internal/database"
	"github.com/example/microlearn/pkg/models"
)

// ImportConfig defines the import configuration
type ImportConfig struct {
	FilePath        string // Path to the Excel or CSV file
	SlugColumn      string // Column with the stable card slug
	TitleColumn     string // Column with the card title
	AnswerColumn    string // Column with the short answer
	TakeawayColumn  string // Column with the takeaway
	KeyPointsColumn string // Column with key points separated by "|"
	DeckColumn      string // Column with the deck name
	SheetName       string // Name of the sheet to import
	StartRow        int    // The row to start importing from (1-based index)
	OwnerUserID     int64  // Owner of created decks; 0 imports cards only
}

// DefaultImportConfig returns the default import configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		SlugColumn:      "A",
		TitleColumn:     "B",
		AnswerColumn:    "C",
		TakeawayColumn:  "D",
		KeyPointsColumn: "E",
		DeckColumn:      "F",
		SheetName:       "Sheet1",
		StartRow:        2, // By default, start from the second row (skip header)
	}
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	DecksCreated   int
	Created        int
	Updated        int
	Skipped        int
	Errors         []string
}

// CardStore is the catalog side of the import.
type CardStore interface {
	Upsert(ctx context.Context, card *models.Card) (bool, error)
}

// DeckStore is the deck side of the import.
type DeckStore interface {
	Create(ctx context.Context, deck *models.Deck) error
	GetByName(ctx context.Context, userID int64, name string) (*models.Deck, error)
	AddCard(ctx context.Context, deckID, cardID int64) error
}

// Importer loads cards into the catalog and optionally files them into decks.
type Importer struct {
	cards CardStore
	decks DeckStore
}

func NewImporter(cards CardStore, decks DeckStore) *Importer {
	return &Importer{cards: cards, decks: decks}
}

type cardRow struct {
	slug, title, answer, takeaway, keyPoints, deck string
}

// Import imports cards from an Excel or CSV file
func (im *Importer) Import(ctx context.Context, config ImportConfig) (*ImportResult, error) {
	// Check the file extension
	ext := strings.ToLower(filepath.Ext(config.FilePath))

	if ext == ".csv" {
		file, err := os.Open(config.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open CSV file: %w", err)
		}
		defer file.Close()
		return im.ImportCSV(ctx, file, config)
	}

	f, err := excelize.OpenFile(config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()
	return im.ImportWorkbook(ctx, f, config)
}

// ImportWorkbook imports cards from an open workbook
func (im *Importer) ImportWorkbook(ctx context.Context, f *excelize.File, config ImportConfig) (*ImportResult, error) {
	rows, err := f.GetRows(config.SheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}

	result := &ImportResult{Errors: make([]string, 0)}
	deckMap := make(map[string]int64)

	for i, row := range rows {
		// Skip header rows
		if i < config.StartRow-1 {
			continue
		}
		if isBlank(row) {
			continue
		}

		result.TotalProcessed++
		if err := im.processCard(ctx, extractRow(row, config), config, deckMap, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", i+1, err))
		}
	}

	return result, nil
}

// ImportCSV imports cards from CSV. A row with only its first cell filled
// starts a deck section and applies to the rows below it that name no deck.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, config ImportConfig) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.LazyQuotes = true

	result := &ImportResult{Errors: make([]string, 0)}
	deckMap := make(map[string]int64)

	rowNum := 0
	currentDeck := ""

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}

		rowNum++
		if rowNum < config.StartRow || isBlank(row) {
			continue
		}

		// Deck section header, e.g. "Cardiology,,,"
		if strings.TrimSpace(row[0]) != "" && isBlank(row[1:]) {
			currentDeck = strings.Trim(strings.TrimSpace(row[0]), "\"")
			continue
		}

		result.TotalProcessed++
		data := extractRow(row, config)
		if data.deck == "" {
			data.deck = currentDeck
		}
		if err := im.processCard(ctx, data, config, deckMap, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", rowNum, err))
		}
	}

	return result, nil
}

func extractRow(row []string, config ImportConfig) cardRow {
	cell := func(column string) string {
		if column == "" {
			return ""
		}
		if idx := columnToIndex(column); idx >= 0 && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}
	return cardRow{
		slug:      cell(config.SlugColumn),
		title:     cell(config.TitleColumn),
		answer:    cell(config.AnswerColumn),
		takeaway:  cell(config.TakeawayColumn),
		keyPoints: cell(config.KeyPointsColumn),
		deck:      cell(config.DeckColumn),
	}
}

// processCard handles the common logic for card data from any source
func (im *Importer) processCard(ctx context.Context, data cardRow, config ImportConfig, deckMap map[string]int64, result *ImportResult) error {
	if data.slug == "" {
		result.Skipped++
		return fmt.Errorf("slug cannot be empty")
	}
	if data.title == "" {
		result.Skipped++
		return fmt.Errorf("title cannot be empty")
	}

	card := &models.Card{
		Slug:          strings.ToLower(data.slug),
		Title:         data.title,
		AnswerExpress: data.answer,
		Takeaway:      data.takeaway,
		KeyPoints:     splitKeyPoints(data.keyPoints),
	}
	created, err := im.cards.Upsert(ctx, card)
	if err != nil {
		return err
	}
	if created {
		result.Created++
	} else {
		result.Updated++
	}

	if data.deck == "" || config.OwnerUserID <= 0 {
		return nil
	}
	deckID, err := im.getOrCreateDeck(ctx, data.deck, config.OwnerUserID, deckMap, result)
	if err != nil {
		return fmt.Errorf("failed to process deck: %w", err)
	}
	return im.decks.AddCard(ctx, deckID, card.ID)
}

// getOrCreateDeck gets a deck by name or creates a new one if it doesn't exist
func (im *Importer) getOrCreateDeck(ctx context.Context, name string, userID int64, deckMap map[string]int64, result *ImportResult) (int64, error) {
	key := strings.ToLower(name)
	if id, exists := deckMap[key]; exists {
		return id, nil
	}

	deck, err := im.decks.GetByName(ctx, userID, name)
	switch {
	case errors.Is(err, database.ErrNotFound):
		deck = &models.Deck{UserID: userID, Name: name}
		if err := im.decks.Create(ctx, deck); err != nil {
			return 0, err
		}
		result.DecksCreated++
	case err != nil:
		return 0, err
	}

	deckMap[key] = deck.ID
	return deck.ID, nil
}

func splitKeyPoints(s string) []string {
	points := []string{}
	for _, p := range strings.Split(s, "|") {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, p)
		}
	}
	return points
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// Helper function to convert Excel column letter to index
func columnToIndex(column string) int {
	column = strings.ToUpper(column)
	index := 0
	for i := 0; i < len(column); i++ {
		index = index*26 + int(column[i]-'A'+1)
	}
	return index - 1
}
