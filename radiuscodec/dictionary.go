package radiuscodec

import "fmt"

// Attribute value types
type AVPType int

const (
	TypeString AVPType = iota
	TypeInteger
	TypeOctets
	TypeAddress
	TypeTime
)

type DictItem struct {
	Code byte
	Name string
	Type AVPType
}

// Built-in dictionary with the standard attributes the transport and its
// callers normally use. The full vendor dictionaries of a policy server are
// not needed here
var dictItems = []DictItem{
	{1, "User-Name", TypeString},
	{2, "User-Password", TypeOctets},
	{4, "NAS-IP-Address", TypeAddress},
	{5, "NAS-Port", TypeInteger},
	{6, "Service-Type", TypeInteger},
	{8, "Framed-IP-Address", TypeAddress},
	{18, "Reply-Message", TypeString},
	{24, "State", TypeOctets},
	{25, "Class", TypeOctets},
	{27, "Session-Timeout", TypeInteger},
	{30, "Called-Station-Id", TypeString},
	{31, "Calling-Station-Id", TypeString},
	{32, "NAS-Identifier", TypeString},
	{33, "Proxy-State", TypeOctets},
	{40, "Acct-Status-Type", TypeInteger},
	{44, "Acct-Session-Id", TypeString},
	{55, "Event-Timestamp", TypeTime},
	{80, "Message-Authenticator", TypeOctets},
	{101, "Error-Cause", TypeInteger},
	{165, "Response-Length", TypeInteger},
	{241, "Extended-Attribute-1", TypeOctets},
}

var dictByName = make(map[string]*DictItem)
var dictByCode = make(map[byte]*DictItem)

func init() {
	for i := range dictItems {
		dictByName[dictItems[i].Name] = &dictItems[i]
		dictByCode[dictItems[i].Code] = &dictItems[i]
	}
}

func GetFromName(name string) (*DictItem, error) {
	if item, found := dictByName[name]; found {
		return item, nil
	}
	return nil, fmt.Errorf("%s not found in the dictionary", name)
}

// Attributes not in the dictionary get a synthetic name and are treated as
// octets
func GetFromCode(code byte) *DictItem {
	if item, found := dictByCode[code]; found {
		return item
	}
	return &DictItem{Code: code, Name: fmt.Sprintf("Unknown-%d", code), Type: TypeOctets}
}
