// Package classifier maps scanned endpoints to board families.
package classifier

import (
	"strings"

	"growdash-agent/internal/model"
)

// Classifier is a pure, total mapping from endpoint to board classification
type Classifier struct {
	table *IdentifierTable
	rules []KeywordRule
}

// New creates a classifier over the built-in tables
func New() *Classifier {
	return NewWithRules(NewIdentifierTable(), DefaultKeywordRules)
}

// NewWithRules creates a classifier with a custom table and rule order
func NewWithRules(table *IdentifierTable, rules []KeywordRule) *Classifier {
	if table == nil {
		table = &IdentifierTable{vendors: map[string]*VendorInfo{}}
	}
	return &Classifier{table: table, rules: rules}
}

// Classify resolves the board type: identifier table first, then description
// keywords, then generic serial.
func (c *Classifier) Classify(d model.EndpointDescriptor) model.BoardClassification {
	if d.HasIdentifiers() {
		if _, product, ok := c.table.Lookup(d.VendorID, d.ProductID); ok {
			return classification(product.BoardType, model.ConfidenceIdentifierMatch)
		}
	}

	if d.Description != "" {
		lower := strings.ToLower(d.Description)
		for _, rule := range c.rules {
			if rule.matches(lower) {
				return classification(rule.BoardType, model.ConfidenceKeywordHint)
			}
		}
	}

	return classification(model.BoardGenericSerial, model.ConfidenceDefault)
}

func classification(boardType model.BoardType, confidence model.Confidence) model.BoardClassification {
	return model.BoardClassification{
		BoardType:    boardType,
		BoardName:    boardType.DisplayName(),
		Confidence:   confidence,
		Capabilities: append([]string(nil), capabilities[boardType]...),
	}
}
