package sqlite

import (
	"encoding/json"

	"sagasvc/internal/storage"
)

type wireStockLine struct {
	ProductCode string `json:"product_code"`
	Quantity    int64  `json:"quantity"`
}

func encodeStockLines(lines []storage.StockLine) (string, error) {
	out := make([]wireStockLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, wireStockLine{ProductCode: l.ProductCode, Quantity: l.Quantity})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeStockLines(payload string) ([]storage.StockLine, error) {
	var in []wireStockLine
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, err
	}
	lines := make([]storage.StockLine, 0, len(in))
	for _, l := range in {
		lines = append(lines, storage.StockLine{ProductCode: l.ProductCode, Quantity: l.Quantity})
	}
	return lines, nil
}
