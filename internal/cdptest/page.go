package cdptest

import (
	"github.com/chromedp/cdproto/accessibility"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
)

// LayoutMetrics is a 1024x768 viewport over a 2000px tall page at scale 1.
const LayoutMetrics = `{
	"layoutViewport": {"pageX": 0, "pageY": 0, "clientWidth": 1024, "clientHeight": 768},
	"visualViewport": {"offsetX": 0, "offsetY": 0, "pageX": 0, "pageY": 0, "clientWidth": 1024, "clientHeight": 768, "scale": 1},
	"contentSize": {"x": 0, "y": 0, "width": 1024, "height": 2000},
	"cssLayoutViewport": {"pageX": 0, "pageY": 0, "clientWidth": 1024, "clientHeight": 768},
	"cssVisualViewport": {"offsetX": 0, "offsetY": 0, "pageX": 0, "pageY": 0, "clientWidth": 1024, "clientHeight": 768, "scale": 1},
	"cssContentSize": {"x": 0, "y": 0, "width": 1024, "height": 2000}
}`

const buttonDocument = `{"root":{
	"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","localName":"","nodeValue":"",
	"children":[{"nodeId":2,"backendNodeId":2,"nodeType":1,"nodeName":"HTML","localName":"html","nodeValue":"","attributes":[],
		"children":[{"nodeId":3,"backendNodeId":3,"nodeType":1,"nodeName":"BODY","localName":"body","nodeValue":"","attributes":[],
			"children":[{"nodeId":4,"backendNodeId":4,"nodeType":1,"nodeName":"BUTTON","localName":"button","nodeValue":"","attributes":["id","submit"],
				"children":[{"nodeId":5,"backendNodeId":5,"nodeType":3,"nodeName":"#text","localName":"","nodeValue":"Submit"}]}]}]}]
}}`

// Strings: 0 block, 1 visible, 2 "1", 3 "", 4 auto, 5 pointer.
const buttonSnapshot = `{
	"strings":["block","visible","1","","auto","pointer"],
	"documents":[{
		"nodes":{"backendNodeId":[1,2,3,4,5],"nodeType":[9,1,1,1,3]},
		"layout":{
			"nodeIndex":[1,2,3,4],
			"styles":[[0,1,2,3,3,3,4,1],[0,1,2,3,3,3,4,1],[0,1,2,3,3,3,5,1],[0,1,2,3,3,3,5,1]],
			"bounds":[[0,0,1024,2000],[0,0,1024,2000],[10,10,100,30],[20,15,50,20]],
			"text":[],
			"stackingContexts":{"index":[]},
			"paintOrders":[0,1,2,3],
			"clientRects":[[],[],[],[]],
			"scrollRects":[[],[],[],[]]
		},
		"textBoxes":{"layoutIndex":[],"bounds":[],"start":[],"length":[]}
	}]
}`

const buttonAXTree = `{"nodes":[
	{"nodeId":"ax-1","ignored":false,"role":{"type":"role","value":"button"},"name":{"type":"computedString","value":"Submit"},
		"properties":[{"name":"focusable","value":{"type":"booleanOrUndefined","value":true}}],"backendDOMNodeId":4}
]}`

// ServeButtonPage makes e answer the extraction commands with a page whose
// only interactive element is a visible <button id=submit> at 10,10 100x30.
// The button gets index 1.
func ServeButtonPage(e *Executor) *Executor {
	return e.
		Respond(cdpdom.CommandGetDocument, buttonDocument).
		Respond(accessibility.CommandGetFullAXTree, buttonAXTree).
		Respond(domsnapshot.CommandCaptureSnapshot, buttonSnapshot).
		Respond(page.CommandGetLayoutMetrics, LayoutMetrics)
}
