package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はメール本文のサニタイズ機能のインターフェースを定義する。
// テンプレートに埋め込む利用者入力（氏名・クリニック名）を含む本文を送信前に通す。
type ContentSanitizerService interface {
	// Sanitize はHTML本文をサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, strong, em, h1, h2, h3）のみを通過させ、
	// script, iframe, style, img, formタグおよびon*イベント属性を除去する。
	// aタグのhrefはhttp/httpsのみ許可し、rel="noopener noreferrer"を付与する。
	Sanitize(rawHTML string) string

	// PlainText はHTMLから全タグを除去したテキスト版本文を返す。
	PlainText(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフで、生成後は変更しない。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はメール本文用のサニタイザーを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em",
		"h1", "h2", "h3",
	)

	// リンクは確認URL・再設定URLに使うため絶対URLのみ許可
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireNoReferrerOnLinks(true)
	p.RequireNoFollowOnLinks(false)

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTML本文をサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// PlainText はHTMLから全タグを除去したテキストを返す。
// ブロック要素の区切りは改行として残す。
func (s *contentSanitizer) PlainText(rawHTML string) string {
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</li>", "</li>\n")
	text := s.strict.Sanitize(r.Replace(rawHTML))
	return strings.TrimSpace(html.UnescapeString(text))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
