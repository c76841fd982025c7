package database

import "strconv"

// PostgresFlavor uses ordinal $n markers and NAMEDATALEN-1 identifiers.
var PostgresFlavor = Flavor{
	Name:                "postgres",
	MaxIdentifierLength: 63,
	Placeholder:         DollarPlaceholder,
}

// MySQLFlavor uses anonymous ? markers.
var MySQLFlavor = Flavor{
	Name:                "mysql",
	MaxIdentifierLength: 64,
	Placeholder:         QuestionPlaceholder,
}

// DollarPlaceholder renders $1, $2, …
func DollarPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// QuestionPlaceholder renders ? regardless of position.
func QuestionPlaceholder(int) string {
	return "?"
}

// FlavorFor returns the flavor for a database/sql driver name.
func FlavorFor(driverName string) Flavor {
	if driverName == "mysql" {
		return MySQLFlavor
	}
	return PostgresFlavor
}
