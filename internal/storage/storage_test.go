package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/maltedev/olx-scraper/internal/models"
)

func sampleResult(url string, prices ...string) *models.ScrapeResult {
	res := &models.ScrapeResult{SourceURL: url}
	for i, p := range prices {
		d := models.NewListingDetail(models.ListingSummary{
			Link:       url + "/item-" + string(rune('a'+i)),
			Name:       "Bicicleta",
			Price:      p,
			SellerName: "Rui",
		})
		if i == 0 {
			d.Phone = "+351912345678"
		}
		res.Data = append(res.Data, d)
	}
	return res
}

func TestJSONRepositoryMissingFileIsEmpty(t *testing.T) {
	repo := NewJSONRepository(filepath.Join(t.TempDir(), "results.json"))

	results, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestJSONRepositoryKeepsOrder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.json")
	repo := NewJSONRepository(path)

	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/a", "10 €")))
	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/b", "20 €", "Grátis")))

	// a second repository reads what the first wrote
	results, err := NewJSONRepository(path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "https://www.olx.pt/a", results[0].SourceURL)
	assert.Equal(t, "https://www.olx.pt/b", results[1].SourceURL)
	require.Len(t, results[1].Data, 2)
	assert.Equal(t, "+351912345678", results[1].Data[0].Phone)
	assert.Equal(t, models.PhoneNA, results[1].Data[1].Phone)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestJSONRepositoryFlatRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.json")
	repo := NewJSONRepository(path)
	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/a", "10 €")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"url": "https://www.olx.pt/a",
		"data": [{
			"link": "https://www.olx.pt/a/item-a",
			"name": "Bicicleta",
			"price": "10 €",
			"seller_name": "Rui",
			"seller_phone": "+351912345678"
		}]
	}]`, string(data))
}

func TestJSONRepositoryCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewJSONRepository(path).Load(context.Background())
	assert.Error(t, err)
}

func TestExportSpreadsheet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := NewJSONRepository(filepath.Join(dir, "results.json"))
	require.NoError(t, repo.Save(ctx, sampleResult("https://www.olx.pt/a", "1.250,50 €", "Negociável")))

	out := filepath.Join(dir, "results.xlsx")
	require.NoError(t, repo.ExportSpreadsheet(ctx, out))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, SpreadsheetColumns, rows[0])
	assert.Equal(t, "https://www.olx.pt/a", rows[1][0])
	assert.Equal(t, "+351912345678", rows[1][5])
	assert.Equal(t, "1250.5", rows[1][6])
	assert.Equal(t, models.PhoneNA, rows[2][5])
	if len(rows[2]) > 6 {
		assert.Empty(t, rows[2][6], "no price_value for a non-numeric price")
	}
}
