// Package scriptgen builds instrumentation script source for the two
// supported injection modes. Builders are pure: identical input always
// produces byte-identical output.
package scriptgen

import (
	"encoding/json"
	"fmt"
)

// Direct passes user-authored script source through unchanged.
func Direct(source string) string {
	return source
}

// nodeWrapperTemplate runs user code inside the target's own Node.js
// execution context instead of the instrumentation sandbox. It waits for
// the target's event loop thread to enter uv_run, then uses the V8
// symbols exported by the node binary to compile and run the code in the
// isolate's current context, so the code sees the target's own globals
// (require, process, ...) and capabilities.
const nodeWrapperTemplate = `(function () {
    'use strict';

    var userCode = %s;

    function v8(name, ret, args) {
        return new NativeFunction(Module.getExportByName(null, name), ret, args);
    }

    var isolateGetCurrent = v8('_ZN2v87Isolate10GetCurrentEv', 'pointer', []);
    var isolateGetCurrentContext = v8('_ZN2v87Isolate17GetCurrentContextEv', 'pointer', ['pointer']);
    var stringNewFromUtf8 = v8('_ZN2v86String11NewFromUtf8EPNS_7IsolateEPKcNS_13NewStringTypeEi', 'pointer', ['pointer', 'pointer', 'int', 'int']);
    var scriptCompile = v8('_ZN2v86Script7CompileENS_5LocalINS_7ContextEEENS1_INS_6StringEEEPNS_12ScriptOriginE', 'pointer', ['pointer', 'pointer', 'pointer']);
    var scriptRun = v8('_ZN2v86Script3RunENS_5LocalINS_7ContextEEE', 'pointer', ['pointer', 'pointer']);

    var scheduled = false;

    Interceptor.attach(Module.getExportByName(null, 'uv_run'), {
        onEnter: function () {
            if (scheduled) {
                return;
            }
            scheduled = true;

            var isolate = isolateGetCurrent();
            if (isolate.isNull()) {
                send({ injected: false, reason: 'no current isolate' });
                return;
            }
            var context = isolateGetCurrentContext(isolate);
            var source = Memory.allocUtf8String(userCode);
            var str = stringNewFromUtf8(isolate, source, 0, -1);
            var compiled = scriptCompile(context, str, NULL);
            if (compiled.isNull()) {
                send({ injected: false, reason: 'compile failed' });
                return;
            }
            scriptRun(compiled, context);
            send({ injected: true });
        }
    });
})();
`

// NodeWrapper embeds code into the managed-runtime wrapper template.
func NodeWrapper(code string) string {
	quoted, err := json.Marshal(code)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	return fmt.Sprintf(nodeWrapperTemplate, quoted)
}
