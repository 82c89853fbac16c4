package database

import (
	"reflect"
	"testing"
)

func TestBuildListQuery(t *testing.T) {
	tests := []struct {
		name      string
		opts      *ListQueryOptions
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "bare table",
			opts:      NewListQueryOptions("jobs"),
			wantQuery: `SELECT * FROM "jobs"`,
		},
		{
			name:      "qualified columns",
			opts:      NewListQueryOptions("jobs", WithColumns("j.id", "status")),
			wantQuery: `SELECT "j"."id", "status" FROM "jobs"`,
		},
		{
			name: "tenant listing with filters",
			opts: NewListQueryOptions("jobs",
				WithColumns("id"),
				WithCondition(WhereCond("tenant_id", Equal, "acme")),
				WithCondition(WhereCond("status", Equal, "queued")),
				WithOrderBy("queued_at", "DESC"),
				WithOrderBy("id", "desc"),
				WithLimit(50),
				WithOffset(100),
			),
			wantQuery: `SELECT "id" FROM "jobs" WHERE "tenant_id" = $1 AND "status" = $2` +
				` ORDER BY "queued_at" DESC, "id" DESC LIMIT $3 OFFSET $4`,
			wantArgs: []any{"acme", "queued", 50, 100},
		},
		{
			name: "any binds the slice as one parameter",
			opts: NewListQueryOptions("webhook_deliveries",
				WithCondition(WhereCond("status", Any, []string{"failed", "exhausted"})),
			),
			wantQuery: `SELECT * FROM "webhook_deliveries" WHERE "status" = ANY($1)`,
			wantArgs:  []any{[]string{"failed", "exhausted"}},
		},
		{
			name: "unknown direction sorts ascending",
			opts: NewListQueryOptions("webhook_deliveries",
				WithOrderBy("created_at", "sideways"),
			),
			wantQuery: `SELECT * FROM "webhook_deliveries" ORDER BY "created_at" ASC`,
		},
		{
			name:      "zero limit is kept, negatives ignored",
			opts:      NewListQueryOptions("jobs", WithLimit(0), WithOffset(-5)),
			wantQuery: `SELECT * FROM "jobs" LIMIT $1`,
			wantArgs:  []any{0},
		},
		{
			name: "invalid conditions are dropped",
			opts: NewListQueryOptions("jobs",
				WithCondition(WhereCond("", Equal, "x")),
				WithCondition(WhereCond("status", ConditionType("; DROP"), "x")),
				WithCondition(WhereCond("attempt", GreaterThanOrEqual, 2)),
			),
			wantQuery: `SELECT * FROM "jobs" WHERE "attempt" >= $1`,
			wantArgs:  []any{2},
		},
		{
			name:      "identifiers are quoted",
			opts:      NewListQueryOptions(`jobs"; --`, WithColumns(`id"x`)),
			wantQuery: `SELECT "id""x" FROM "jobs""; --"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := BuildListQuery(tt.opts)
			if query != tt.wantQuery {
				t.Errorf("query\n got: %s\nwant: %s", query, tt.wantQuery)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("args got %#v, want %#v", args, tt.wantArgs)
			}
		})
	}
}

func TestBuildListQuery_Nil(t *testing.T) {
	query, args := BuildListQuery(nil)
	if query != "" || args != nil {
		t.Fatalf("expected empty result for nil options, got %q %v", query, args)
	}
}
