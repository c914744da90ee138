package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsBlockNumberType(t *testing.T) {
	require.True(t, isBlockNumberType("UInt64"))
	require.True(t, isBlockNumberType("Nullable(UInt32)"))
	require.False(t, isBlockNumberType("String"))
	require.False(t, isBlockNumberType("Int64"))
}

func TestIsHashType(t *testing.T) {
	require.True(t, isHashType("String"))
	require.True(t, isHashType("FixedString(66)"))
	require.True(t, isHashType("FixedString(40)"))
	require.True(t, isHashType("Nullable(FixedString(32))"))
	require.False(t, isHashType("UInt64"))
}

func TestIsDateTimeType(t *testing.T) {
	require.True(t, isDateTimeType("DateTime"))
	require.True(t, isDateTimeType("Nullable(DateTime)"))
	require.False(t, isDateTimeType("DateTime64(3)"))
	require.False(t, isDateTimeType("String"))
}

func TestErrorMessages(t *testing.T) {
	missing := &Error{Table: "blocks", Column: "hash"}
	require.Contains(t, missing.Error(), "missing column")

	wrongType := &Error{Table: "transfers", Column: "block_number", Found: "String"}
	require.Contains(t, wrongType.Error(), `type "String"`)
}
