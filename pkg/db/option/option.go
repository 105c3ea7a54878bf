package option

import (
	"fmt"
	"strings"

	"licensing-controlplane/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed by a repository.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ   Operator = "="
	NEQ  Operator = "<>"
	GT   Operator = ">"
	GTE  Operator = ">="
	LT   Operator = "<"
	LTE  Operator = "<="
	IN   Operator = "IN"
	LIKE Operator = "LIKE"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy when it is allowed, falling back to created_at.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := "created_at"
		if s.SortBy != "" && (s.Allow == nil || s.Allow[s.SortBy]) {
			column = s.SortBy
		}

		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

// WithOrder appends a fixed order column. Used for deterministic tie breaks.
func WithOrder(column string, desc bool) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		switch c.Operator {
		case IN:
			return db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
		case "":
			return db.Where(fmt.Sprintf("%s = ?", c.Field), c.Value)
		default:
			return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
	}
}

// WithWhere adds a raw condition for filters the struct query cannot express.
func WithWhere(query string, args ...any) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	}
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if p.Limit > 0 {
			db = db.Limit(p.Limit)
		}
		return db
	}
}
