// Package demo provides a Microsoft-365-shaped connector.Connector backed by
// fixed in-memory records, used by local/demo deployments (§8 seed
// scenarios) so the adapter runtime has a real connector to drive without
// reaching a live Graph API.
package demo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianmsp/posturepipe/pkg/connector"
)

// Slug is the catalog integration slug this connector serves.
const Slug = "microsoft-365"

// Connector is a fixed-fixture stand-in for the Microsoft Graph connector
// §4.4 describes. Every Get* method returns its whole fixture in one page.
type Connector struct {
	config          config
	securityDefault bool
}

type config struct {
	SecurityDefaultsEnabled bool `json:"securityDefaultsEnabled"`
}

// Factory builds demo connectors for the catalog's connector.Registry.
func Factory(_ context.Context, cfg, _ []byte) (connector.Connector, error) {
	var c config
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("decoding demo connector config: %w", err)
		}
	}
	return &Connector{config: c, securityDefault: c.SecurityDefaultsEnabled}, nil
}

// CheckHealth always succeeds: the fixture data has no credentials to expire.
func (c *Connector) CheckHealth(ctx context.Context) error { return nil }

func (c *Connector) GetIdentities(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{Records: []connector.Record{
		{ExternalID: "user-1", Raw: map[string]any{
			"displayName": "Avery Chen", "userPrincipalName": "avery@acme-demo.test",
			"enabled": true, "isAdmin": true,
			"groupIds": []string{"group-admins"}, "roleIds": []string{"role-global-admin"},
			"licenseSkuIds": []string{"license-e3"},
		}},
		{ExternalID: "user-2", Raw: map[string]any{
			"displayName": "Priya Nair", "userPrincipalName": "priya@acme-demo.test",
			"enabled": true, "isAdmin": false,
			"groupIds": []string{"group-staff"}, "roleIds": []string{},
			"licenseSkuIds": []string{"license-e3"},
		}},
		{ExternalID: "user-3", Raw: map[string]any{
			"displayName": "Dormant Account", "userPrincipalName": "dormant@acme-demo.test",
			"enabled": true, "isAdmin": false,
			"groupIds": []string{}, "roleIds": []string{},
			"licenseSkuIds": []string{"license-e3"},
			"lastLogin":     "2025-01-01T00:00:00Z",
		}},
	}}, nil
}

func (c *Connector) GetGroups(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{Records: []connector.Record{
		{ExternalID: "group-admins", Raw: map[string]any{"displayName": "Global Admins"}},
		{ExternalID: "group-staff", Raw: map[string]any{"displayName": "All Staff"}},
	}}, nil
}

func (c *Connector) GetRoles(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{Records: []connector.Record{
		{ExternalID: "role-global-admin", Raw: map[string]any{"name": "Global Administrator"}},
	}}, nil
}

func (c *Connector) GetConditionalAccessPolicies(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{Records: []connector.Record{
		{ExternalID: "policy-require-mfa", Raw: map[string]any{
			"displayName": "Require MFA for admins",
			"requiresMFA": true, "appliesToAllUsers": false, "appliesToAllApps": true,
			"includeGroupIds": []string{"group-admins"},
		}},
	}}, nil
}

func (c *Connector) GetSecurityDefaultsEnabled(ctx context.Context) (bool, error) {
	return c.securityDefault, nil
}

func (c *Connector) GetSubscribedSkus(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{Records: []connector.Record{
		{ExternalID: "license-e3", Raw: map[string]any{
			"skuName": "Microsoft 365 E3", "totalUnits": 10, "consumedUnits": 3,
		}},
	}}, nil
}

func (c *Connector) GetEndpoints(ctx context.Context, cursor string) (connector.Page, error) {
	return connector.Page{}, connector.ErrUnsupported
}

func (c *Connector) GetTenants(ctx context.Context) ([]connector.TenantInfo, error) {
	return []connector.TenantInfo{{ExternalID: "acme-demo", Name: "Acme Demo Tenant"}}, nil
}
