package pgxutil

import (
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestToPgxTxOptions(t *testing.T) {
	tests := []struct {
		name string
		opts *sql.TxOptions
		want pgx.TxOptions
	}{
		{name: "nil uses server defaults", opts: nil, want: pgx.TxOptions{}},
		{name: "default level", opts: &sql.TxOptions{}, want: pgx.TxOptions{}},
		{
			name: "read committed",
			opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
			want: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		},
		{
			name: "snapshot maps to repeatable read",
			opts: &sql.TxOptions{Isolation: sql.LevelSnapshot},
			want: pgx.TxOptions{IsoLevel: pgx.RepeatableRead},
		},
		{
			name: "serializable read only",
			opts: &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true},
			want: pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadOnly},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToPgxTxOptions(tt.opts))
		})
	}
}
