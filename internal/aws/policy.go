package aws

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/stratus-framework/scopebroker/internal/core"
)

const policyVersion = "2012-10-17"

// Account locates the resources named by a grant set.
type Account struct {
	Partition string
	Region    string
	AccountID string
}

// PolicyDocument is an IAM identity policy.
type PolicyDocument struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// Statement is one allow statement. Sid ties it to the grant it implements.
type Statement struct {
	Sid      string     `json:"Sid"`
	Effect   string     `json:"Effect"`
	Action   StringList `json:"Action"`
	Resource StringList `json:"Resource"`
}

// StringList accepts both the string and array forms IAM allows for
// Action and Resource.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// RenderPolicy turns a grant set into the inline policy applied to every identity.
func RenderPolicy(acct Account, grants core.GrantSet) (PolicyDocument, error) {
	doc := PolicyDocument{Version: policyVersion}
	for _, g := range grants {
		stmts, err := grantStatements(acct, g)
		if err != nil {
			return PolicyDocument{}, err
		}
		doc.Statement = append(doc.Statement, stmts...)
	}
	return doc, nil
}

func (a Account) arn(service, resource string) string {
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s", a.Partition, service, a.Region, a.AccountID, resource)
}

func (a Account) glueARN(catalogID, resource string) string {
	return fmt.Sprintf("arn:%s:glue:%s:%s:%s", a.Partition, a.Region, catalogID, resource)
}

// splitResource splits a catalog-qualified resource into exactly n parts.
func splitResource(g core.Grant, n int) ([]string, error) {
	parts := strings.Split(g.Resource, "/")
	if len(parts) != n {
		return nil, fmt.Errorf("grant %s: resource %q must have %d path segments", g.Kind, g.Resource, n)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("grant %s: resource %q has an empty segment", g.Kind, g.Resource)
		}
	}
	return parts, nil
}

func grantStatements(acct Account, g core.Grant) ([]Statement, error) {
	if g.Resource == "" {
		return nil, fmt.Errorf("grant %s: empty resource", g.Kind)
	}
	sid := sidFor(g.Kind)

	switch g.Kind {
	case core.GrantEndpointQuery:
		return []Statement{{
			Sid:    sid,
			Effect: "Allow",
			Action: []string{"sagemaker:InvokeEndpoint", "sagemaker:InvokeEndpointWithResponseStream"},
			Resource: []string{
				acct.arn("sagemaker", "endpoint/"+strings.ToLower(g.Resource)),
			},
		}}, nil

	case core.GrantSpaceRun:
		return []Statement{{
			Sid:    sid,
			Effect: "Allow",
			Action: []string{
				"athena:GetQueryExecution",
				"athena:GetQueryResults",
				"athena:GetWorkGroup",
				"athena:StartQueryExecution",
				"athena:StopQueryExecution",
			},
			Resource: []string{acct.arn("athena", "workgroup/"+g.Resource)},
		}}, nil

	case core.GrantCatalogUse:
		return []Statement{{
			Sid:      sid,
			Effect:   "Allow",
			Action:   []string{"glue:GetCatalog", "glue:GetDatabases"},
			Resource: []string{acct.glueARN(g.Resource, "catalog")},
		}}, nil

	case core.GrantSchemaUse:
		p, err := splitResource(g, 2)
		if err != nil {
			return nil, err
		}
		return []Statement{{
			Sid:    sid,
			Effect: "Allow",
			Action: []string{"glue:GetDatabase", "glue:GetTables"},
			Resource: []string{
				acct.glueARN(p[0], "catalog"),
				acct.glueARN(p[0], "database/"+p[1]),
			},
		}}, nil

	case core.GrantTableSelect:
		p, err := splitResource(g, 3)
		if err != nil {
			return nil, err
		}
		return []Statement{
			{
				Sid:    sid,
				Effect: "Allow",
				Action: []string{"glue:GetPartitions", "glue:GetTable"},
				Resource: []string{
					acct.glueARN(p[0], "catalog"),
					acct.glueARN(p[0], "database/"+p[1]),
					acct.glueARN(p[0], "table/"+p[1]+"/"+p[2]),
				},
			},
			{
				// Lake Formation data access cannot be scoped by resource ARN;
				// row filters on the table do the scoping.
				Sid:      sid + "DataAccess",
				Effect:   "Allow",
				Action:   []string{"lakeformation:GetDataAccess"},
				Resource: []string{"*"},
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown grant kind %q", g.Kind)
}

// sidFor turns a grant kind like table_select into TableSelect.
func sidFor(kind core.GrantKind) string {
	var b strings.Builder
	for _, part := range strings.Split(string(kind), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

// ParsePolicy decodes a policy document as returned by GetUserPolicy, which
// URL-encodes it.
func ParsePolicy(raw string) (PolicyDocument, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	var doc PolicyDocument
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return PolicyDocument{}, fmt.Errorf("parsing policy document: %w", err)
	}
	return doc, nil
}

// JSON encodes the document for PutUserPolicy.
func (d PolicyDocument) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// statementsFor returns the statements whose Sid belongs to kind.
func (d PolicyDocument) statementsFor(kind core.GrantKind) []Statement {
	sid := sidFor(kind)
	var out []Statement
	for _, s := range d.Statement {
		if s.Sid == sid || s.Sid == sid+"DataAccess" {
			out = append(out, normalize(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sid < out[j].Sid })
	return out
}

// Holds reports whether d already contains want's statements for kind.
func (d PolicyDocument) Holds(want PolicyDocument, kind core.GrantKind) bool {
	have := d.statementsFor(kind)
	need := want.statementsFor(kind)
	return len(need) > 0 && reflect.DeepEqual(have, need)
}

func normalize(s Statement) Statement {
	s.Action = sortedCopy(s.Action)
	s.Resource = sortedCopy(s.Resource)
	return s
}

func sortedCopy(in StringList) StringList {
	out := append(StringList(nil), in...)
	sort.Strings(out)
	return out
}
