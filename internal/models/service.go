package models

import "strings"

type Category string

const (
	CategoryCustomerService Category = "CS"
	CategoryTeller          Category = "TL"
	CategoryAccountOpening  Category = "AC"
	CategoryLoanService     Category = "LS"
)

type Service struct {
	Code Category `json:"code"`
	Slug string   `json:"slug"`
	Name string   `json:"name"`
}

var services = []Service{
	{Code: CategoryCustomerService, Slug: "customer-service", Name: "Customer Service"},
	{Code: CategoryTeller, Slug: "teller", Name: "Teller"},
	{Code: CategoryAccountOpening, Slug: "account-opening", Name: "Account Opening"},
	{Code: CategoryLoanService, Slug: "loan-service", Name: "Loan Service"},
}

// Services lists the configured service categories in kiosk display order.
func Services() []Service {
	out := make([]Service, len(services))
	copy(out, services)
	return out
}

func (c Category) Valid() bool {
	for _, svc := range services {
		if svc.Code == c {
			return true
		}
	}
	return false
}

func (c Category) Name() string {
	svc, ok := lookupService(string(c))
	if !ok {
		return ""
	}
	return svc.Name
}

// ParseCategory accepts either the two letter code ("CS", "cs") or the slug
// ("customer-service") and returns the canonical category.
func ParseCategory(raw string) (Category, bool) {
	svc, ok := lookupService(strings.TrimSpace(raw))
	if !ok {
		return "", false
	}
	return svc.Code, true
}

func lookupService(raw string) (Service, bool) {
	for _, svc := range services {
		if strings.EqualFold(string(svc.Code), raw) || strings.EqualFold(svc.Slug, raw) {
			return svc, true
		}
	}
	return Service{}, false
}
