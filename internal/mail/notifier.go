package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/hitoshi/clinicman/internal/model"
)

var (
	verifyTemplate = template.Must(template.New("verify").Parse(
		`<p>{{.Name}} 様</p>` +
			`<p>clinicmanへのご登録ありがとうございます。以下のリンクからメールアドレスを確認してください。</p>` +
			`<p><a href="{{.Link}}">メールアドレスを確認する</a></p>` +
			`<p>リンクが開けない場合は次のURLをブラウザに貼り付けてください: {{.Link}}</p>` +
			`<p>このリンクの有効期限は{{.TTL}}です。</p>`))

	resetTemplate = template.Must(template.New("reset").Parse(
		`<p>{{.Name}} 様</p>` +
			`<p>パスワード再設定のリクエストを受け付けました。以下のリンクから新しいパスワードを設定してください。</p>` +
			`<p><a href="{{.Link}}">パスワードを再設定する</a></p>` +
			`<p>リンクが開けない場合は次のURLをブラウザに貼り付けてください: {{.Link}}</p>` +
			`<p>このリンクの有効期限は{{.TTL}}です。心当たりがない場合はこのメールを破棄してください。</p>`))
)

type templateData struct {
	Name string
	Link string
	TTL  string
}

// Notifier は認証フローのメールを組み立ててMailerに渡す。
type Notifier struct {
	mailer  Mailer
	baseURL string
}

// NewNotifier はNotifierを生成する。baseURLはリンクの起点となるフロントエンドのURL。
func NewNotifier(mailer Mailer, baseURL string) *Notifier {
	return &Notifier{
		mailer:  mailer,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// SendVerification はメールアドレス確認メールを送る。
func (n *Notifier) SendVerification(ctx context.Context, u *model.User, token, ttl string) error {
	body, err := render(verifyTemplate, templateData{
		Name: displayName(u),
		Link: n.link("/verify-email", token),
		TTL:  ttl,
	})
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, u.Email, "【clinicman】メールアドレスの確認", body)
}

// SendPasswordReset はパスワード再設定メールを送る。
func (n *Notifier) SendPasswordReset(ctx context.Context, u *model.User, token, ttl string) error {
	body, err := render(resetTemplate, templateData{
		Name: displayName(u),
		Link: n.link("/reset-password", token),
		TTL:  ttl,
	})
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, u.Email, "【clinicman】パスワードの再設定", body)
}

func (n *Notifier) link(path, token string) string {
	return n.baseURL + path + "?" + url.Values{"token": {token}}.Encode()
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s mail: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func displayName(u *model.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
