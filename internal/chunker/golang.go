package chunker

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// maxPackageDocLines bounds how much package documentation is carried into
// every chunk header.
const maxPackageDocLines = 6

// chunkGo chunks Go source per top-level declaration using the AST.
// Returns nil when the file does not parse, letting the caller fall back
// to the line-scanning strategy.
func (c *Chunker) chunkGo(content string) []Chunk {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "src.go", content, parser.ParseComments)
	if err != nil {
		c.logger.Debug("go parse failed, falling back to line scan", "error", err)
		return nil
	}

	header := goHeader(fset, file, content)
	methods := methodsByReceiver(file)

	var chunks []Chunk
	for _, decl := range file.Decls {
		gd, isGen := decl.(*ast.GenDecl)
		if isGen && gd.Tok == token.IMPORT {
			continue
		}

		text := declText(fset, decl, content)
		if strings.TrimSpace(text) == "" {
			continue
		}

		symbol := declSymbol(decl)

		var b strings.Builder
		if header != "" {
			b.WriteString(header)
			b.WriteString("\n\n")
		}
		b.WriteString(text)

		// Type declarations carry a method inventory so a retrieved type
		// chunk points at the behavior defined elsewhere in the file.
		if isGen && gd.Tok == token.TYPE {
			if names := methods[symbol]; len(names) > 0 {
				if len(names) > 10 {
					names = names[:10]
				}
				fmt.Fprintf(&b, "\n\n// Methods: %s", strings.Join(names, ", "))
			}
		}

		chunks = append(chunks, Chunk{
			Content:  b.String(),
			Language: "go",
			Symbol:   symbol,
		})
	}
	return chunks
}

// goHeader builds the shared context header: package clause, truncated
// package doc, and the import block.
func goHeader(fset *token.FileSet, file *ast.File, content string) string {
	var parts []string

	if file.Doc != nil {
		doc := strings.TrimSpace(file.Doc.Text())
		lines := strings.Split(doc, "\n")
		if len(lines) > maxPackageDocLines {
			lines = lines[:maxPackageDocLines]
		}
		for i, l := range lines {
			lines[i] = "// " + l
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	parts = append(parts, "package "+file.Name.Name)

	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			continue
		}
		parts = append(parts, declText(fset, gd, content))
		break
	}

	return strings.Join(parts, "\n\n")
}

// declText extracts the source text of decl, including its doc comment.
func declText(fset *token.FileSet, decl ast.Decl, content string) string {
	start := decl.Pos()
	if d := declDoc(decl); d != nil {
		start = d.Pos()
	}
	so := fset.Position(start).Offset
	eo := fset.Position(decl.End()).Offset
	if so < 0 || eo > len(content) || so >= eo {
		return ""
	}
	return content[so:eo]
}

func declDoc(decl ast.Decl) *ast.CommentGroup {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		return d.Doc
	case *ast.GenDecl:
		return d.Doc
	}
	return nil
}

// declSymbol returns the declaration's name. Methods are qualified with
// their receiver type ("Store.Get"); grouped var/const decls use the
// first name.
func declSymbol(decl ast.Decl) string {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		if d.Recv != nil && len(d.Recv.List) > 0 {
			if rt := receiverType(d.Recv.List[0].Type); rt != "" {
				return rt + "." + d.Name.Name
			}
		}
		return d.Name.Name
	case *ast.GenDecl:
		for _, spec := range d.Specs {
			switch s := spec.(type) {
			case *ast.TypeSpec:
				return s.Name.Name
			case *ast.ValueSpec:
				if len(s.Names) > 0 {
					return s.Names[0].Name
				}
			}
		}
	}
	return ""
}

// receiverType unwraps pointers and generic instantiations down to the
// receiver's type name.
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

// methodsByReceiver collects method names per receiver type, in source
// order.
func methodsByReceiver(file *ast.File) map[string][]string {
	out := make(map[string][]string)
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv == nil || len(fd.Recv.List) == 0 {
			continue
		}
		rt := receiverType(fd.Recv.List[0].Type)
		if rt == "" {
			continue
		}
		out[rt] = append(out[rt], fd.Name.Name)
	}
	return out
}
