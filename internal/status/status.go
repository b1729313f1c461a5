// Package status derives the presentation status of invoices.
//
// The status shown for an invoice depends on its most relevant payment,
// which can change independently of the invoice. The derived value is
// computed on every read and never written back to the snapshot.
package status

import (
	"strings"

	"github.com/roach88/memsync/internal/identity"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
	"github.com/roach88/memsync/internal/snapshot"
)

// Derived statuses.
const (
	PendingVerification = "Pending Verification"
	Paid                = "Paid"
	Unpaid              = "Unpaid"
)

// Payment statuses recognized on the linked payment, compared case-insensitively.
const (
	PaymentPending   = "Pending"
	PaymentCompleted = "Completed"
	PaymentRejected  = "Rejected"
)

// Effective returns the status to display for invoice.
//
// The linked payment is the first entry of payments (newest first) whose
// invoice reference names the invoice, by authoritative id or invoice
// number. Its status maps Pending to "Pending Verification", Completed to
// "Paid" and Rejected to "Unpaid". Without a linked payment, or when the
// payment status is not one of those, the invoice's stored status is
// returned unchanged.
func Effective(res *identity.Resolver, invoice record.Object, payments snapshot.Collection) string {
	stored := storedStatus(res, invoice)

	p, ok := LinkedPayment(res, invoice, payments)
	if !ok {
		return stored
	}
	if derived, ok := derive(res, p); ok {
		return derived
	}
	return stored
}

// LinkedPayment returns the most relevant payment for invoice.
func LinkedPayment(res *identity.Resolver, invoice record.Object, payments snapshot.Collection) (record.Object, bool) {
	pk, ok := res.Kind(schema.Payment)
	if !ok || pk.InvoiceRefField == "" {
		return nil, false
	}
	for _, p := range payments {
		ref, ok := invoiceRef(p.Fields, pk.InvoiceRefField)
		if !ok {
			continue
		}
		if res.References(schema.Invoice, invoice, ref) {
			return p.Fields, true
		}
	}
	return nil, false
}

func derive(res *identity.Resolver, payment record.Object) (string, bool) {
	pk, _ := res.Kind(schema.Payment)
	if pk.StatusField == "" {
		return "", false
	}
	st, ok := payment.Text(pk.StatusField)
	if !ok {
		return "", false
	}
	switch {
	case strings.EqualFold(st, PaymentPending):
		return PendingVerification, true
	case strings.EqualFold(st, PaymentCompleted):
		return Paid, true
	case strings.EqualFold(st, PaymentRejected):
		return Unpaid, true
	}
	return "", false
}

func storedStatus(res *identity.Resolver, invoice record.Object) string {
	ik, ok := res.Kind(schema.Invoice)
	if !ok || ik.StatusField == "" {
		return ""
	}
	st, _ := invoice.Text(ik.StatusField)
	return st
}

// invoiceRef reads the invoice reference of a payment. Populated references
// ({"_id": ..., ...}) are accepted as well as plain ids.
func invoiceRef(payment record.Object, field string) (string, bool) {
	if ref, ok := payment.Text(field); ok {
		return ref, true
	}
	v, ok := payment.Get(field)
	if !ok {
		return "", false
	}
	nested, ok := v.(record.Object)
	if !ok {
		return "", false
	}
	if id, ok := nested.Text("_id"); ok {
		return id, true
	}
	return nested.Text("id")
}

// View is an invoice with its derived status.
type View struct {
	Invoice record.Object
	Stored  string
	Status  string

	// Payment is the linked payment, nil when none.
	Payment record.Object
}

// Annotate derives the status of every invoice. The inputs are not modified.
func Annotate(res *identity.Resolver, invoices, payments snapshot.Collection) []View {
	views := make([]View, len(invoices))
	for i, inv := range invoices {
		v := View{
			Invoice: inv.Fields,
			Stored:  storedStatus(res, inv.Fields),
		}
		v.Status = v.Stored
		if p, ok := LinkedPayment(res, inv.Fields, payments); ok {
			v.Payment = p
			if derived, ok := derive(res, p); ok {
				v.Status = derived
			}
		}
		views[i] = v
	}
	return views
}
