package layout

import (
	"path/filepath"
	"strings"
)

// Extension はレイアウトファイルの拡張子
const Extension = ".gds"

// Resolver はレイアウト識別子を <root>/<identifier>.gds に解決する
//
// 解決は文字列操作のみで行い、ファイルシステムには触れない。
type Resolver struct {
	root string
}

// NewResolver は新しい Resolver を作成する
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root はレイアウトのルートディレクトリを返す
func (r *Resolver) Root() string {
	return r.root
}

// Identifier は識別子から末尾の .gds を取り除く
func Identifier(name string) string {
	return strings.TrimSuffix(name, Extension)
}

// Resolve は識別子を検証してファイルパスを返す
func (r *Resolver) Resolve(identifier string) (string, error) {
	id := Identifier(identifier)

	if reason := invalidReason(id); reason != "" {
		return "", &InvalidIdentifierError{Identifier: identifier, Reason: reason}
	}

	path := filepath.Join(r.root, id+Extension)

	// Join 後もルート直下に留まっていることを確認する
	if filepath.Dir(path) != r.root {
		return "", &InvalidIdentifierError{Identifier: identifier, Reason: "ルート外のパスです"}
	}

	return path, nil
}

// invalidReason は識別子が不正な理由を返す（正常なら空文字）
func invalidReason(id string) string {
	switch {
	case id == "":
		return "空の識別子です"
	case strings.ContainsAny(id, `/\`):
		return "パス区切り文字を含んでいます"
	case strings.Contains(id, ".."):
		return "親ディレクトリ参照を含んでいます"
	case strings.HasPrefix(id, "."):
		return "ドットで始まっています"
	case strings.ContainsRune(id, 0):
		return "NUL文字を含んでいます"
	}
	return ""
}
