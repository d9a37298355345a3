package dataset

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/apache/arrow/go/v13/arrow"
	"github.com/apache/arrow/go/v13/arrow/array"
	"github.com/apache/arrow/go/v13/arrow/memory"
	"github.com/apache/arrow/go/v13/parquet/file"
	"github.com/apache/arrow/go/v13/parquet/pqarrow"

	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// rowMetadata is the JSON payload of the parquet metadata column. Only the
// context tag is consumed here.
type rowMetadata struct {
	Context string `json:"context"`
}

// LoadParquet reads the dataset rows from a parquet file. Expected columns:
// "image" (path), "question" (optional), "answer" (optional) and "metadata"
// (JSON with a "context" key). Image paths are resolved relative to the
// parquet file's directory unless absolute.
func LoadParquet(ctx context.Context, path string) ([]Example, error) {
	logger := logging.GetLogger()

	reader, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ResourceNotFound, "failed to open parquet file"),
			errors.Fields{"path": path})
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to create arrow reader")
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to read parquet schema")
	}

	imageIdx := fieldIndex(schema, "image")
	if imageIdx < 0 {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "required column 'image' not found"),
			errors.Fields{"path": path})
	}
	questionIdx := fieldIndex(schema, "question")
	answerIdx := fieldIndex(schema, "answer")
	metadataIdx := fieldIndex(schema, "metadata")

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to read parquet table")
	}
	defer table.Release()

	baseDir := filepath.Dir(path)
	examples := make([]Example, 0, table.NumRows())

	for i := 0; i < int(table.NumRows()); i++ {
		ex := Example{
			Image:    resolveImagePath(baseDir, columnString(table, imageIdx, i)),
			Question: columnString(table, questionIdx, i),
			Answer:   columnString(table, answerIdx, i),
		}
		if ex.Question == "" {
			ex.Question = DefaultQuestion
		}

		if raw := columnString(table, metadataIdx, i); raw != "" {
			var meta rowMetadata
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				ex.Context = NormalizeContext(meta.Context)
			}
		}

		examples = append(examples, ex)
	}

	logger.Info(ctx, "Loaded dataset: path=%s, rows=%d", path, len(examples))
	return examples, nil
}

func fieldIndex(schema *arrow.Schema, name string) int {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// columnString reads a string cell, tolerating chunked columns and nulls.
func columnString(table arrow.Table, colIdx, row int) string {
	if colIdx < 0 {
		return ""
	}
	col := table.Column(colIdx)
	offset := row
	for _, chunk := range col.Data().Chunks() {
		if offset < chunk.Len() {
			str, ok := chunk.(*array.String)
			if !ok || str.IsNull(offset) {
				return ""
			}
			return str.Value(offset)
		}
		offset -= chunk.Len()
	}
	return ""
}

func resolveImagePath(baseDir, image string) string {
	if image == "" || filepath.IsAbs(image) {
		return image
	}
	return filepath.Join(baseDir, image)
}
