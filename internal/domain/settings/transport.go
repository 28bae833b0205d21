package settings

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransportType names a delivery mechanism.
type TransportType string

const (
	TransportSFTP  TransportType = "SFTP"
	TransportAS2   TransportType = "AS2"
	TransportSOAP  TransportType = "SOAP"
	TransportGAEN  TransportType = "GAEN"
	TransportEmail TransportType = "EMAIL"
	TransportBlob  TransportType = "BLOB"
	TransportNull  TransportType = "NULL"
)

// Transport is one of the concrete transport settings below.
type Transport interface {
	Type() TransportType
}

type SFTPTransport struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	FilePath string `yaml:"filePath" json:"filePath"`
	// CredentialName is resolved by the credential service at send time.
	CredentialName string `yaml:"credentialName,omitempty" json:"credentialName,omitempty"`
}

type AS2Transport struct {
	ReceiverURL string `yaml:"receiverUrl" json:"receiverUrl"`
	ReceiverID  string `yaml:"receiverId" json:"receiverId"`
	SenderID    string `yaml:"senderId" json:"senderId"`
	SenderEmail string `yaml:"senderEmail,omitempty" json:"senderEmail,omitempty"`
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`
}

type SOAPTransport struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	SOAPAction     string `yaml:"soapAction" json:"soapAction"`
	CredentialName string `yaml:"credentialName,omitempty" json:"credentialName,omitempty"`
}

type GAENTransport struct {
	APIURL         string `yaml:"apiUrl" json:"apiUrl"`
	UUIDFormat     string `yaml:"uuidFormat,omitempty" json:"uuidFormat,omitempty"`
	UUIDIV         string `yaml:"uuidIV,omitempty" json:"uuidIV,omitempty"`
	CredentialName string `yaml:"credentialName,omitempty" json:"credentialName,omitempty"`
}

type EmailTransport struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	From      string   `yaml:"from,omitempty" json:"from,omitempty"`
}

// BlobTransport writes deliveries into the blob store under Prefix.
type BlobTransport struct {
	Prefix string `yaml:"prefix" json:"prefix"`
}

// NullTransport accepts and discards deliveries.
type NullTransport struct{}

func (SFTPTransport) Type() TransportType  { return TransportSFTP }
func (AS2Transport) Type() TransportType   { return TransportAS2 }
func (SOAPTransport) Type() TransportType  { return TransportSOAP }
func (GAENTransport) Type() TransportType  { return TransportGAEN }
func (EmailTransport) Type() TransportType { return TransportEmail }
func (BlobTransport) Type() TransportType  { return TransportBlob }
func (NullTransport) Type() TransportType  { return TransportNull }

// TransportConfig carries a Transport through YAML and JSON as an object
// with a "type" discriminator.
type TransportConfig struct {
	Transport
}

func (c *TransportConfig) UnmarshalYAML(n *yaml.Node) error {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := n.Decode(&head); err != nil {
		return err
	}
	t, err := newTransport(TransportType(strings.ToUpper(strings.TrimSpace(head.Type))))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	if err := n.Decode(t); err != nil {
		return err
	}
	c.Transport = deref(t)
	return nil
}

func (c TransportConfig) MarshalJSON() ([]byte, error) {
	if c.Transport == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(c.Transport)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["type"] = c.Type()
	return json.Marshal(fields)
}

func newTransport(tt TransportType) (interface{}, error) {
	switch tt {
	case TransportSFTP:
		return &SFTPTransport{}, nil
	case TransportAS2:
		return &AS2Transport{}, nil
	case TransportSOAP:
		return &SOAPTransport{}, nil
	case TransportGAEN:
		return &GAENTransport{}, nil
	case TransportEmail:
		return &EmailTransport{}, nil
	case TransportBlob:
		return &BlobTransport{}, nil
	case TransportNull:
		return &NullTransport{}, nil
	case "":
		return nil, fmt.Errorf("transport type is required")
	}
	return nil, fmt.Errorf("unknown transport type %q", tt)
}

func deref(t interface{}) Transport {
	switch v := t.(type) {
	case *SFTPTransport:
		return *v
	case *AS2Transport:
		return *v
	case *SOAPTransport:
		return *v
	case *GAENTransport:
		return *v
	case *EmailTransport:
		return *v
	case *BlobTransport:
		return *v
	case *NullTransport:
		return *v
	}
	return nil
}

// validateTransport lists the problems of t.
func validateTransport(t Transport) []string {
	var problems []string
	missing := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, field+" is required")
		}
	}
	switch v := t.(type) {
	case SFTPTransport:
		missing("host", v.Host)
		missing("filePath", v.FilePath)
		if v.Port < 0 || v.Port > 65535 {
			problems = append(problems, fmt.Sprintf("port %d out of range", v.Port))
		}
	case AS2Transport:
		missing("receiverUrl", v.ReceiverURL)
		missing("receiverId", v.ReceiverID)
		missing("senderId", v.SenderID)
	case SOAPTransport:
		missing("endpoint", v.Endpoint)
		missing("soapAction", v.SOAPAction)
	case GAENTransport:
		missing("apiUrl", v.APIURL)
	case EmailTransport:
		if len(v.Addresses) == 0 {
			problems = append(problems, "addresses is required")
		}
	case BlobTransport:
		missing("prefix", v.Prefix)
	case NullTransport:
	case nil:
		problems = append(problems, "transport type is required")
	default:
		problems = append(problems, fmt.Sprintf("unsupported transport %T", t))
	}
	return problems
}
