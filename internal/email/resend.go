package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultBaseURL = "https://api.resend.com"

// ResendClient Resend 邮件服务客户端，用于发送账单通知
type ResendClient struct {
	apiKey     string
	fromEmail  string
	appURL     string
	baseURL    string
	httpClient *http.Client
}

// NewResendClient 创建新的 Resend 客户端
func NewResendClient(apiKey, fromEmail, appURL string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		appURL:     appURL,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL 替换 API 地址（测试用）
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	c.baseURL = baseURL
	return c
}

// IsConfigured 检查 API Key 和发件人是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	log.Debug().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

// SendPaymentDeclined 通知用户扣款失败
func (c *ResendClient) SendPaymentDeclined(ctx context.Context, to string) error {
	return c.SendEmail(ctx, to, "Your payment was declined", c.render(
		"Payment declined",
		"We could not charge your card for the latest invoice. Your plan stays in place while you update your payment method.",
		"Update payment method",
	))
}

// SendSubscriptionEnded 通知用户订阅已结束，账户回到免费版
func (c *ResendClient) SendSubscriptionEnded(ctx context.Context, to string) error {
	return c.SendEmail(ctx, to, "Your subscription has ended", c.render(
		"Subscription ended",
		"Your subscription was canceled and your account is back on the free plan. You can upgrade again at any time.",
		"View plans",
	))
}

func (c *ResendClient) render(title, description, action string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>%s</title>
</head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 600px; margin: 40px auto; background-color: #ffffff; border-radius: 8px;">
        <tr>
            <td style="padding: 40px 40px 20px 40px; text-align: center;">
                <h1 style="margin: 0; color: #333333; font-size: 24px;">%s</h1>
            </td>
        </tr>
        <tr>
            <td style="padding: 0 40px 20px 40px; text-align: center;">
                <p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">%s</p>
            </td>
        </tr>
        <tr>
            <td style="padding: 20px 40px 40px 40px; text-align: center;">
                <a href="%s" style="background-color: #007bff; color: #ffffff; padding: 12px 24px; border-radius: 6px; text-decoration: none;">%s</a>
            </td>
        </tr>
    </table>
</body>
</html>
`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(description),
		html.EscapeString(c.appURL+"/account"), html.EscapeString(action))
}
