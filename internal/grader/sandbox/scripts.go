package sandbox

// Environment variables read by the wrapper scripts.
const (
	envPlan       = "QUERYLAB_PLAN"
	envMaxOutput  = "QUERYLAB_MAX_OUTPUT"
	envMaxTimeMS  = "QUERYLAB_MAX_TIME_MS"
	envCollection = "QUERYLAB_COLLECTION"
	envSampleSize = "QUERYLAB_SAMPLE"
)

// queryScript evaluates a gate plan taken from QUERYLAB_PLAN. Arguments are
// evaluated as array literals; cursors are drained and printed as relaxed
// Extended JSON on a single line.
const queryScript = `(function () {
  const fail = function (e) {
    print(JSON.stringify({ __mongo_error: String((e && e.message) || e) }));
    quit(2);
  };
  try {
    const plan = JSON.parse(process.env.QUERYLAB_PLAN);
    const limit = Number(process.env.QUERYLAB_MAX_OUTPUT) || 0;
    const maxTimeMS = Number(process.env.QUERYLAB_MAX_TIME_MS) || 0;
    const evalArgs = function (src) { return (0, eval)('[' + (src || '') + '\n]'); };
    const args = evalArgs(plan.args);
    if (plan.op === 'aggregate') {
      const stages = Array.isArray(args[0]) ? args[0] : args;
      for (const stage of stages) {
        if (stage && typeof stage === 'object' && ('$out' in stage || '$merge' in stage)) {
          throw new Error('Write stages are not allowed');
        }
      }
    }
    const coll = db.getCollection(plan.collection);
    let cur = coll[plan.op].apply(coll, args);
    for (const step of (plan.chain || [])) {
      if (!cur || typeof cur[step.op] !== 'function') {
        throw new Error(step.op + '() is not supported here');
      }
      cur = cur[step.op].apply(cur, evalArgs(step.args));
    }
    if (maxTimeMS > 0 && cur && typeof cur.maxTimeMS === 'function') {
      cur = cur.maxTimeMS(maxTimeMS);
    }
    const out = (cur && typeof cur.toArray === 'function') ? cur.toArray() : cur;
    const text = EJSON.stringify(out === undefined ? null : out, { relaxed: true });
    if (limit > 0 && text.length > limit) {
      throw new Error('Result too large');
    }
    print(text);
  } catch (e) {
    fail(e);
  }
})();`

// probeScript lists collections and samples the one named in QUERYLAB_COLLECTION.
const probeScript = `(function () {
  try {
    const name = process.env.QUERYLAB_COLLECTION;
    const size = Number(process.env.QUERYLAB_SAMPLE) || 5;
    const collections = db.getCollectionNames();
    const sample = db.getCollection(name).find({}).limit(size).toArray();
    print(EJSON.stringify({ collections: collections, sample: sample }, { relaxed: true }));
  } catch (e) {
    print(JSON.stringify({ __mongo_error: String((e && e.message) || e) }));
    quit(2);
  }
})();`

// schemaScript samples every collection of the target database.
const schemaScript = `(function () {
  try {
    const size = Number(process.env.QUERYLAB_SAMPLE) || 3;
    const collections = db.getCollectionNames().sort().map(function (name) {
      return { name: name, sample: db.getCollection(name).find({}).limit(size).toArray() };
    });
    print(EJSON.stringify({ collections: collections }, { relaxed: true }));
  } catch (e) {
    print(JSON.stringify({ __mongo_error: String((e && e.message) || e) }));
    quit(2);
  }
})();`
