// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package logical

// Native type tables, keyed by normalized type name. An absent entry is a
// configuration fault, not a runtime fallback.

var oracleTypes = map[string]Type{
	"BLOB":                           Binary,
	"LONG RAW":                       Binary,
	"RAW":                            Binary,
	"BFILE":                          Binary,
	"CLOB":                           Text,
	"NCLOB":                          Text,
	"LONG":                           Text,
	"VARCHAR2":                       String,
	"NVARCHAR2":                      String,
	"CHAR":                           String,
	"NCHAR":                          String,
	"NUMBER":                         Decimal,
	"FLOAT":                          Float,
	"BINARY_FLOAT":                   Float,
	"BINARY_DOUBLE":                  Float,
	"DATE":                           Timestamp,
	"TIMESTAMP":                      Timestamp,
	"TIMESTAMP WITH TIME ZONE":       Timestamp,
	"TIMESTAMP WITH LOCAL TIME ZONE": Timestamp,
}

var postgresTypes = map[string]Type{
	"BYTEA":                       Binary,
	"TEXT":                        Text,
	"CHARACTER VARYING":           String,
	"VARCHAR":                     String,
	"CHARACTER":                   String,
	"CHAR":                        String,
	"SMALLINT":                    Integer,
	"INTEGER":                     Integer,
	"BIGINT":                      Integer,
	"SMALLSERIAL":                 Integer,
	"SERIAL":                      Integer,
	"BIGSERIAL":                   Integer,
	"NUMERIC":                     Decimal,
	"DECIMAL":                     Decimal,
	"REAL":                        Float,
	"DOUBLE PRECISION":            Float,
	"TIMESTAMP":                   Timestamp,
	"TIMESTAMP WITHOUT TIME ZONE": Timestamp,
	"TIMESTAMP WITH TIME ZONE":    Timestamp,
	"DATE":                        Date,
	"BOOLEAN":                     Boolean,
	"UUID":                        UUID,
}

var sqlserverTypes = map[string]Type{
	"VARBINARY":        Binary,
	"BINARY":           Binary,
	"IMAGE":            Binary,
	"TEXT":             Text,
	"NTEXT":            Text,
	"VARCHAR":          String,
	"NVARCHAR":         String,
	"CHAR":             String,
	"NCHAR":            String,
	"TINYINT":          Integer,
	"SMALLINT":         Integer,
	"INT":              Integer,
	"BIGINT":           Integer,
	"DECIMAL":          Decimal,
	"NUMERIC":          Decimal,
	"MONEY":            Decimal,
	"SMALLMONEY":       Decimal,
	"FLOAT":            Float,
	"REAL":             Float,
	"DATETIME":         Timestamp,
	"DATETIME2":        Timestamp,
	"SMALLDATETIME":    Timestamp,
	"DATETIMEOFFSET":   Timestamp,
	"DATE":             Date,
	"BIT":              Boolean,
	"UNIQUEIDENTIFIER": UUID,
}

var mysqlTypes = map[string]Type{
	"LONGBLOB":   Binary,
	"MEDIUMBLOB": Binary,
	"BLOB":       Binary,
	"TINYBLOB":   Binary,
	"VARBINARY":  Binary,
	"BINARY":     Binary,
	"LONGTEXT":   Text,
	"MEDIUMTEXT": Text,
	"TEXT":       Text,
	"TINYTEXT":   Text,
	"VARCHAR":    String,
	"CHAR":       String,
	"TINYINT":    Integer,
	"SMALLINT":   Integer,
	"MEDIUMINT":  Integer,
	"INT":        Integer,
	"INTEGER":    Integer,
	"BIGINT":     Integer,
	"DECIMAL":    Decimal,
	"NUMERIC":    Decimal,
	"FLOAT":      Float,
	"DOUBLE":     Float,
	"DATETIME":   Timestamp,
	"TIMESTAMP":  Timestamp,
	"DATE":       Date,
	"BOOL":       Boolean,
	"BOOLEAN":    Boolean,
}

var sqliteTypes = map[string]Type{
	"BLOB":    Binary,
	"TEXT":    Text,
	"VARCHAR": String,
	"CHAR":    String,
	"INTEGER": Integer,
	"INT":     Integer,
	"NUMERIC": Decimal,
	"REAL":    Float,
	"DOUBLE":  Float,
	"DATE":    Date,
	"BOOLEAN": Boolean,
}
