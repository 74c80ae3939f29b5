package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/models"
)

// Retriever finds catalog papers for a search query and formats them into a
// context blob for the answer generator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (string, []models.Paper, error)
}

// PostgresRetriever searches the catalog table by keyword with a weighted
// relevance score: title matches rank above author matches, which rank
// above subject matches.
type PostgresRetriever struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresRetriever wraps an existing connection pool.
func NewPostgresRetriever(db *sqlx.DB, logger *zap.Logger) *PostgresRetriever {
	return &PostgresRetriever{db: db, logger: logger}
}

type catalogRow struct {
	ID              int64          `db:"id"`
	Title           string         `db:"title"`
	Author          sql.NullString `db:"author"`
	Subject         sql.NullString `db:"subject"`
	PublicationYear sql.NullInt64  `db:"publication_year"`
	Score           float64        `db:"score"`
}

const searchQuery = `
SELECT id, title, author, subject, publication_year,
       (CASE WHEN lower(title) LIKE $1 THEN 3.0 ELSE 0.0 END
      + CASE WHEN lower(author) LIKE $1 THEN 2.0 ELSE 0.0 END
      + CASE WHEN lower(subject) LIKE $1 THEN 1.0 ELSE 0.0 END) AS score
FROM catalog
WHERE lower(title) LIKE $1
   OR lower(author) LIKE $1
   OR lower(subject) LIKE $1
ORDER BY score DESC, id DESC
LIMIT $2`

// Search returns the topK best-scoring papers for the query.
func (r *PostgresRetriever) Search(ctx context.Context, query string, topK int) ([]models.Paper, error) {
	if topK <= 0 {
		topK = 5
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	var rows []catalogRow
	if err := r.db.SelectContext(ctx, &rows, searchQuery, pattern, topK); err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}

	papers := make([]models.Paper, 0, len(rows))
	for _, row := range rows {
		papers = append(papers, rowToPaper(row))
	}

	r.logger.Debug("Catalog search completed",
		zap.String("query", query),
		zap.Int("results", len(papers)),
	)
	return papers, nil
}

// Retrieve runs Search and renders the numbered context blob consumed by
// the answer generator.
func (r *PostgresRetriever) Retrieve(ctx context.Context, query string, topK int) (string, []models.Paper, error) {
	papers, err := r.Search(ctx, query, topK)
	if err != nil {
		return "", nil, err
	}
	return FormatContext(papers), papers, nil
}

func rowToPaper(row catalogRow) models.Paper {
	authors := []string{"Unknown"}
	if row.Author.Valid && row.Author.String != "" {
		authors = strings.Split(row.Author.String, ", ")
	}
	abstract := "No abstract available"
	if row.Subject.Valid && row.Subject.String != "" {
		abstract = row.Subject.String
	}
	year := 0
	if row.PublicationYear.Valid {
		year = int(row.PublicationYear.Int64)
	}
	return models.Paper{
		ID:             fmt.Sprintf("catalog_%d", row.ID),
		Title:          row.Title,
		Authors:        authors,
		Abstract:       abstract,
		Year:           year,
		RelevanceScore: row.Score,
	}
}

// FormatContext renders papers as the numbered context blob. The numbering
// here is what inline [n] citation markers refer back to.
func FormatContext(papers []models.Paper) string {
	if len(papers) == 0 {
		return "No relevant papers found in the catalog."
	}
	parts := make([]string, 0, len(papers))
	for i, p := range papers {
		parts = append(parts, fmt.Sprintf(
			"Paper %d (ID: %s):\nTitle: %s\nAuthors: %s\nYear: %d\nAbstract: %s\n",
			i+1, p.ID, p.Title, strings.Join(p.Authors, ", "), p.Year, p.Abstract,
		))
	}
	return strings.Join(parts, "\n---\n")
}
