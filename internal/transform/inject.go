package transform

import (
	"encoding/json"
	"fmt"
	"time"

	"toolgate/internal/resolver"
)

// headShimJS runs before the page's own scripts. It prefixes root-relative
// and same-origin absolute fetch/XHR URLs with the gateway base, which static
// rewriting cannot see. Arguments: base, upstream origin.
const headShimJS = `<script data-toolgate="shim">(function(){
if(window.__toolgateBase){return;}
var base=%s,origin=%s;
window.__toolgateBase=base;
function fix(u){
if(typeof u!=="string"){return u;}
if(u===origin||u.indexOf(origin+"/")===0||u.indexOf(origin+"?")===0){u=u.slice(origin.length)||"/";}
if(u.charAt(0)!=="/"||u.charAt(1)==="/"){return u;}
if(u===base||u.indexOf(base+"/")===0||u.indexOf(base+"?")===0){return u;}
return base+u;
}
if(window.fetch){
var f=window.fetch;
window.fetch=function(input,init){
if(typeof input==="string"){input=fix(input);}
else if(typeof URL!=="undefined"&&input instanceof URL){input=fix(input.href);}
else if(typeof Request!=="undefined"&&input instanceof Request){
var p=new URL(input.url);
if(p.origin===location.origin){var q=fix(p.pathname+p.search+p.hash);if(q!==p.pathname+p.search+p.hash){input=new Request(q,input);}}
}
return f.call(this,input,init);
};
}
if(window.XMLHttpRequest){
var o=XMLHttpRequest.prototype.open;
XMLHttpRequest.prototype.open=function(m,u){
arguments[1]=fix(typeof u==="string"?u:String(u));
return o.apply(this,arguments);
};
}
})();</script>`

// formInterceptorJS submits non-GET forms with fetch so that a slow or
// redirecting upstream cannot leave the iframe blank. After the response, or
// after the timeout, the frame reloads; a same-origin redirect is followed
// instead. Arguments: default timeout ms, long-running prefixes, long timeout ms.
const formInterceptorJS = `<script data-toolgate="forms">(function(){
if(window.__toolgateForms){return;}
window.__toolgateForms=true;
var timeoutMs=%d,longPrefixes=%s,longTimeoutMs=%d;
function budget(path){
for(var i=0;i<longPrefixes.length;i++){if(path.indexOf(longPrefixes[i])===0){return longTimeoutMs;}}
return timeoutMs;
}
document.addEventListener("submit",function(e){
var form=e.target;
if(e.defaultPrevented||!(form instanceof HTMLFormElement)){return;}
if(form.target&&form.target!=="_self"){return;}
var submitter=e.submitter||null;
var data;
try{data=submitter?new FormData(form,submitter):new FormData(form);}catch(_){data=new FormData(form);}
var action=(submitter&&submitter.getAttribute("formaction"))||form.getAttribute("action")||location.href;
var method=((submitter&&submitter.getAttribute("formmethod"))||form.getAttribute("method")||"GET").toUpperCase();
var url=new URL(action,location.href);
if(url.origin!==location.origin){return;}
e.preventDefault();
if(method==="GET"){
var q=new URLSearchParams();
data.forEach(function(v,k){if(typeof v==="string"){q.append(k,v);}});
url.search=q.toString();
location.assign(url.href);
return;
}
var body=data;
if((form.getAttribute("enctype")||"").toLowerCase()!=="multipart/form-data"){
body=new URLSearchParams();
data.forEach(function(v,k){if(typeof v==="string"){body.append(k,v);}});
}
var done=false;
var timer=setTimeout(function(){if(!done){done=true;location.reload();}},budget(url.pathname));
fetch(url.href,{method:method,body:body,credentials:"include",redirect:"follow"}).then(function(r){
if(done){return;}
done=true;clearTimeout(timer);
if(r.redirected&&r.url.indexOf(location.origin+"/")===0){location.assign(r.url);}else{location.reload();}
},function(){
if(done){return;}
done=true;clearTimeout(timer);location.reload();
});
});
})();</script>`

// headShim renders the fetch/XHR shim for one tool.
func headShim(m *resolver.Mapper) string {
	return fmt.Sprintf(headShimJS, jsString(m.Base()), jsString(m.Origin()))
}

// formInterceptor renders the form submission interceptor for one tool.
func (t *Transformer) formInterceptor(m *resolver.Mapper) string {
	prefixes := m.LongRunningPrefixes()
	if prefixes == nil {
		prefixes = []string{}
	}
	encoded, _ := json.Marshal(prefixes)
	return fmt.Sprintf(formInterceptorJS, millis(t.formTimeout), encoded, millis(t.longTimeout))
}

// jsString quotes s as a JavaScript string literal safe inside <script>;
// json.Marshal escapes <, > and &.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
