package rdf

import (
	"fmt"
	"strings"

	"github.com/omnia-network/omnia-core/models"
)

// Prefixes is prepended to every update and query sent to the store.
const Prefixes = `PREFIX omnia: <http://rdf.omnia-iot.com#>
PREFIX rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#>
PREFIX saref: <https://saref.etsi.org/core/>
PREFIX bot: <https://w3id.org/bot#>
PREFIX http: <https://www.w3.org/2011/http#>
PREFIX td: <https://www.w3.org/2019/wot/td#>
PREFIX urn: <urn:>
`

// All application data lives in a single named graph.
const omniaGraph = "omnia:"

type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// InsertData renders triples as a SPARQL INSERT DATA update against the
// application graph. There is no delete counterpart: registrations are
// permanent, so nothing ever retracts triples.
func InsertData(triples []Triple) string {
	var b strings.Builder
	b.WriteString(Prefixes)
	fmt.Fprintf(&b, "INSERT DATA { GRAPH %s {\n", omniaGraph)
	for _, t := range triples {
		fmt.Fprintf(&b, "%s %s %s .\n", t.Subject, t.Predicate, t.Object)
	}
	b.WriteString("} }")
	return b.String()
}

func iri(value string) string {
	return "<" + value + ">"
}

func urnUuid(uid string) string {
	return "urn:uuid:" + uid
}

// sarefNode accepts both "saref:OnOffState" and "OnOffState".
func sarefNode(name string) string {
	if strings.HasPrefix(name, "saref:") {
		return name
	}
	return "saref:" + name
}

func literal(value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
	return `"` + escaped + `"`
}

// EnvironmentTriples describes a newly created environment as a zone devices
// can be elements of.
func EnvironmentTriples(envUid models.EnvironmentUid) []Triple {
	return []Triple{
		{urnUuid(envUid), "rdf:type", "bot:Zone"},
	}
}

// DeviceTriples describes a freshly registered device: its type, its place in
// the environment, the forwarding headers needed to reach it and the
// affordances it exposes. Header nodes are numbered per device so two devices
// behind the same gateway do not share header subjects.
func DeviceTriples(
	deviceUid models.DeviceUid,
	device models.RegisteredDevice,
	affordances models.DeviceAffordances,
) []Triple {
	deviceNode := iri(device.DeviceUrl)

	triples := []Triple{
		{deviceNode, "rdf:type", "saref:Device"},
		{urnUuid(device.EnvUid), "bot:hasElement", deviceNode},
	}

	for i, header := range device.RequiredHeaders {
		headerNode := fmt.Sprintf("omnia:%s-HTTPHeader%d", deviceUid, i)
		triples = append(triples,
			Triple{headerNode, "rdf:type", "http:RequestHeader"},
			Triple{headerNode, "http:fieldName", literal(header.Name)},
			Triple{headerNode, "http:fieldValue", literal(header.Value)},
			Triple{deviceNode, "omnia:requiresHeader", headerNode},
		)
	}

	for _, affordance := range affordances.Properties {
		triples = append(triples, Triple{deviceNode, "td:hasPropertyAffordance", sarefNode(affordance)})
	}
	for _, affordance := range affordances.Actions {
		triples = append(triples, Triple{deviceNode, "td:hasActionAffordance", sarefNode(affordance)})
	}

	return triples
}

// DevicesByAffordancesQuery selects the device URLs in an environment that
// expose every one of the requested affordances, as property or as action.
func DevicesByAffordancesQuery(envUid models.EnvironmentUid, affordances []string) string {
	var b strings.Builder
	b.WriteString(Prefixes)
	b.WriteString("SELECT ?device WHERE { GRAPH ")
	b.WriteString(omniaGraph)
	b.WriteString(" {\n")
	fmt.Fprintf(&b, "%s bot:hasElement ?device .\n", urnUuid(envUid))
	for _, affordance := range affordances {
		fmt.Fprintf(
			&b,
			"{ ?device td:hasPropertyAffordance %s . } UNION { ?device td:hasActionAffordance %s . }\n",
			sarefNode(affordance), sarefNode(affordance),
		)
	}
	b.WriteString("} }")
	return b.String()
}
