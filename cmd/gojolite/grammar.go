package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	storageengine "github.com/sushant-115/gojolite/core/storage_engine"
)

// statement is one shell line. Exactly one field is set.
//
//nolint:govet // participle grammar tags are not standard struct tags
type statement struct {
	CreateTable *tableDecl     `  "create" "table" @@`
	CreateIndex *indexDecl     `| "create" "index" @@`
	Insert      *rowStmt       `| "insert" @@`
	Update      *rowStmt       `| "update" @@`
	Get         *keyStmt       `| "get" @@`
	Delete      *keyStmt       `| "delete" @@`
	Scan        *scanStmt      `| "scan" @@`
	IndexScan   *indexScanStmt `| "iscan" @@`
	Savepoint   *string        `| "savepoint" @Ident`
	RollbackTo  *string        `| "rollback" "to" @Ident`
	Release     *string        `| "release" @Ident`
	Command     string         `| @( "begin" | "commit" | "rollback" | "tables" | "checkpoint" | "verify" | "recover" | "stats" | "backup" | "help" | "exit" | "quit" )`
}

//nolint:govet // participle grammar tags are not standard struct tags
type tableDecl struct {
	Name    string       `@Ident`
	Columns []columnDecl `@@+`
}

//nolint:govet // participle grammar tags are not standard struct tags
type columnDecl struct {
	Name    string `@Ident ":"`
	Type    string `@Ident`
	NotNull bool   `@"!"?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type indexDecl struct {
	Name   string `@Ident`
	Table  string `@Ident`
	Column string `@Ident`
}

//nolint:govet // participle grammar tags are not standard struct tags
type rowStmt struct {
	Table string `@Ident`
	Row   string `@Object`
}

//nolint:govet // participle grammar tags are not standard struct tags
type keyStmt struct {
	Table string `@Ident`
	Key   string `@( String | Number | Ident )`
}

//nolint:govet // participle grammar tags are not standard struct tags
type scanStmt struct {
	Table string  `@Ident`
	Lo    *string `( @( String | Number | Ident )`
	Hi    *string `  @( String | Number | Ident )? )?`
}

//nolint:govet // participle grammar tags are not standard struct tags
type indexScanStmt struct {
	Table string  `@Ident`
	Index string  `@Ident`
	Lo    *string `( @( String | Number | Ident )`
	Hi    *string `  @( String | Number | Ident )? )?`
}

var shellLexer = lexer.MustSimple([]lexer.SimpleRule{
	// A row runs to the last closing brace on the line.
	{Name: "Object", Pattern: `\{.*\}`},
	{Name: "Comment", Pattern: `--.*`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Number", Pattern: `-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `[:!]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var statementParser = participle.MustBuild[statement](
	participle.Lexer(shellLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

func parseStatement(line string) (*statement, error) {
	stmt, err := statementParser.ParseString("", line)
	if err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	return stmt, nil
}

// schema turns the declaration into a table schema keyed by its first column.
func (d *tableDecl) schema() storageengine.TableSchema {
	s := storageengine.TableSchema{Name: d.Name, PrimaryKey: d.Columns[0].Name}
	for _, c := range d.Columns {
		s.Columns = append(s.Columns, storageengine.Column{
			Name:    c.Name,
			Type:    storageengine.ColumnType(strings.ToUpper(c.Type)),
			NotNull: c.NotNull,
		})
	}
	return s
}

// parseValue reads a JSON value, falling back to the raw text as a string.
func parseValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

// bound reads an optional scan bound; "_" is open.
func bound(s *string) any {
	if s == nil || *s == "_" {
		return nil
	}
	return parseValue(*s)
}

func parseRow(s string) (storageengine.Row, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var row storageengine.Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("row must be a JSON object: %w", err)
	}
	return row, nil
}
