package mail

import (
	"bytes"
	"html/template"
)

type PaymentSuccessEmail struct {
	To              string
	CustomerName    string
	SubscriptionID  string
	Amount          float64
	TransactionID   string
	InvoiceNumber   string
	NextBillingDate string
}

type PaymentFailedEmail struct {
	To               string
	CustomerName     string
	SubscriptionID   string
	Amount           float64
	ErrorMessage     string
	AttemptCount     int
	IsFinalAttempt   bool
	NextRetryDate    string
	UpdatePaymentURL string
}

var paymentSuccessTmpl = template.Must(template.New("payment_success").Parse(`<p>Hi {{.CustomerName}},</p>
<p>Thanks for feeding your pup with Waggin' Meals! We charged <strong>${{printf "%.2f" .Amount}}</strong> for your subscription.</p>
<p>Invoice: {{.InvoiceNumber}}<br>Transaction: {{.TransactionID}}</p>
{{if .NextBillingDate}}<p>Your next delivery is scheduled for {{.NextBillingDate}}.</p>{{end}}`))

var paymentFailedTmpl = template.Must(template.New("payment_failed").Parse(`<p>Hi {{.CustomerName}},</p>
<p>We could not process the <strong>${{printf "%.2f" .Amount}}</strong> payment for your subscription (attempt {{.AttemptCount}}).</p>
{{if .ErrorMessage}}<p>Reason: {{.ErrorMessage}}</p>{{end}}
{{if .IsFinalAttempt}}<p>Your subscription is now past due. Please update your payment method to keep deliveries coming.</p>
{{else if .NextRetryDate}}<p>We will try again on {{.NextRetryDate}}.</p>{{end}}
<p><a href="{{.UpdatePaymentURL}}">Update payment method</a></p>`))

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
