package auth

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pgagroal/pgagroal-go/internal/wire"
)

// FetchStoredPassword runs the simple query protocol against an already
// authenticated superuser connection to retrieve a user's stored password
// hash, per spec.md §4.2 mode D "Auth-query". The caller is responsible for
// serializing access to su (the su_connection lock): this function assumes
// exclusive use of su for the duration of the call.
func FetchStoredPassword(su net.Conn, user string) (string, error) {
	query := fmt.Sprintf("SELECT * FROM public.pgagroal_get_password('%s')", escapeLiteral(user))
	if err := wire.Write(su, wire.Message{Kind: wire.KindQuery, Payload: append([]byte(query), 0)}); err != nil {
		return "", fmt.Errorf("auth: sending auth-query: %w", err)
	}

	var password string
	var gotRow bool

	for {
		msg, err := wire.ReadBlock(su)
		if err != nil {
			return "", fmt.Errorf("auth: reading auth-query response: %w", err)
		}

		switch msg.Kind {
		case wire.KindDataRow:
			val, err := firstColumn(msg.Payload)
			if err != nil {
				return "", fmt.Errorf("auth: parsing auth-query row: %w", err)
			}
			password = val
			gotRow = true

		case wire.KindCommandComplete, wire.KindRowDescription, wire.KindEmptyQueryResponse:
			continue

		case wire.KindErrorResponse:
			return "", fmt.Errorf("auth: auth-query failed: %s", wire.ParseErrorMessage(msg.Payload))

		case wire.KindReadyForQuery:
			if !gotRow {
				return "", fmt.Errorf("auth: auth-query returned no rows for user %q", user)
			}
			return password, nil
		}
	}
}

// firstColumn decodes the first column of a DataRow message; a -1 length
// means SQL NULL.
func firstColumn(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("DataRow too short")
	}
	numCols := binary.BigEndian.Uint16(payload[:2])
	if numCols == 0 {
		return "", fmt.Errorf("DataRow has no columns")
	}
	offset := 2
	if offset+4 > len(payload) {
		return "", fmt.Errorf("DataRow truncated")
	}
	length := int32(binary.BigEndian.Uint32(payload[offset : offset+4]))
	offset += 4
	if length < 0 {
		return "", nil
	}
	if offset+int(length) > len(payload) {
		return "", fmt.Errorf("DataRow column truncated")
	}
	return string(payload[offset : offset+int(length)]), nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
