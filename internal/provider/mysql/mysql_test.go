package mysql

import (
	"context"
	"testing"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/config"
	"github.com/mehmetymw/tablewatch/internal/types"
)

func TestInitializeFailureRetainsNoHandle(t *testing.T) {
	p := New(config.MySQLSource{
		Host: "127.0.0.1", Port: 1,
		User: "watch", Password: "watch", Database: "app",
		ServerID: 1001, Flavor: "mysql",
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Initialize(ctx); err == nil {
		t.Fatal("expected connect failure")
	}
	if p.db != nil {
		t.Fatal("failed initialize must not retain a connection handle")
	}

	// A retry after failure goes through the full sequence again.
	if err := p.Initialize(ctx); err == nil {
		t.Fatal("expected connect failure on retry")
	}
	if p.db != nil {
		t.Fatal("failed retry must not retain a connection handle")
	}
}

func TestParsePosition(t *testing.T) {
	cases := []struct {
		in      types.Position
		want    gomysql.Position
		wantErr bool
	}{
		{in: "mysql-bin.000003:4512", want: gomysql.Position{Name: "mysql-bin.000003", Pos: 4512}},
		{in: "binlog:0", want: gomysql.Position{Name: "binlog", Pos: 0}},
		{in: "mysql-bin.000003", wantErr: true},
		{in: ":4512", wantErr: true},
		{in: "mysql-bin.000003:", wantErr: true},
		{in: "mysql-bin.000003:abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parsePosition(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parsePosition(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePosition(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parsePosition(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestComparePositions(t *testing.T) {
	p := &Provider{}

	cases := []struct {
		a, b types.Position
		want int
	}{
		{"mysql-bin.000003:100", "mysql-bin.000003:100", 0},
		{"mysql-bin.000003:100", "mysql-bin.000003:200", -1},
		{"mysql-bin.000003:200", "mysql-bin.000003:100", 1},
		// A later binlog file always orders after an earlier one, regardless
		// of the offsets.
		{"mysql-bin.000003:9999", "mysql-bin.000004:4", -1},
		{"mysql-bin.000010:4", "mysql-bin.000009:9999", 1},
	}
	for _, tc := range cases {
		got, err := p.ComparePositions(tc.a, tc.b)
		if err != nil {
			t.Errorf("ComparePositions(%q, %q): %v", tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ComparePositions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}

	if _, err := p.ComparePositions("garbage", "mysql-bin.000003:100"); err == nil {
		t.Error("expected error for malformed position")
	}
}
